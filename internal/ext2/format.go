package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/dustin/go-humanize"
)

// Params shape a fresh volume. Zero fields take defaults derived from the
// device size.
type Params struct {
	LogBlockSize   uint32
	BlockCount     uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
}

type layout struct {
	sb         Superblock
	blockSize  int64
	groups     uint32
	gdtBlocks  uint32
	tableSize  uint32
	descs      []groupDesc
	groupStart []uint32
}

func plan(dev device.Device, p Params) (*layout, error) {
	if p.LogBlockSize > 2 {
		return nil, fmt.Errorf("block size shift %d: %w", p.LogBlockSize, kerrors.ErrInvalidArgument)
	}
	bs := int64(1024) << p.LogBlockSize

	maxBlocks := uint32(dev.Size() / bs)
	if p.BlockCount == 0 || p.BlockCount > maxBlocks {
		p.BlockCount = maxBlocks
	}
	if p.BlocksPerGroup == 0 {
		p.BlocksPerGroup = uint32(bs * 8)
	}
	if p.BlocksPerGroup > uint32(bs*8) || p.BlocksPerGroup%8 != 0 {
		return nil, fmt.Errorf("blocks per group %d: %w", p.BlocksPerGroup, kerrors.ErrInvalidArgument)
	}

	perBlock := uint32(bs) / uint32(DefaultInodeSize)
	if p.InodesPerGroup == 0 {
		n := min(p.BlocksPerGroup, p.BlockCount) / 8
		p.InodesPerGroup = max(alignUp32(n, perBlock), 2*perBlock)
	}
	if p.InodesPerGroup < DefaultFirstIno || p.InodesPerGroup > uint32(bs*8) {
		return nil, fmt.Errorf("inodes per group %d: %w", p.InodesPerGroup, kerrors.ErrInvalidArgument)
	}

	fdb := uint32(0)
	if bs == 1024 {
		fdb = 1
	}

	// A trailing group too short for its own metadata is dropped.
	l := &layout{
		blockSize: bs,
		tableSize: alignUp32(p.InodesPerGroup, perBlock) / perBlock,
	}
	for {
		if p.BlockCount <= fdb {
			return nil, fmt.Errorf("device holds %d blocks: %w", p.BlockCount, kerrors.ErrNoSpace)
		}
		l.groups = (p.BlockCount + p.BlocksPerGroup - 1) / p.BlocksPerGroup
		l.gdtBlocks = (l.groups*groupDescSize + uint32(bs) - 1) / uint32(bs)

		last := l.groups - 1
		lastStart := fdb + last*p.BlocksPerGroup
		meta := 2 + l.tableSize
		if last == 0 {
			meta += 1 + l.gdtBlocks + 1
		}
		if lastStart < p.BlockCount && p.BlockCount-lastStart > meta {
			break
		}
		if last == 0 {
			return nil, fmt.Errorf("device too small for one group: %w", kerrors.ErrNoSpace)
		}
		p.BlockCount = last * p.BlocksPerGroup
	}

	l.sb = Superblock{
		InodeCount:      l.groups * p.InodesPerGroup,
		BlockCount:      p.BlockCount,
		FirstDataBlock:  fdb,
		LogBlockSize:    p.LogBlockSize,
		LogFragSize:     p.LogBlockSize,
		BlocksPerGroup:  p.BlocksPerGroup,
		FragsPerGroup:   p.BlocksPerGroup,
		InodesPerGroup:  p.InodesPerGroup,
		MaxMountCount:   -1,
		Magic:           Magic,
		State:           StateClean,
		Errors:          1,
		RevLevel:        RevDynamic,
		FirstIno:        DefaultFirstIno,
		InodeSize:       DefaultInodeSize,
		FeatureIncompat: FeatureIncompatFiletype,
	}

	l.descs = make([]groupDesc, l.groups)
	l.groupStart = make([]uint32, l.groups)
	for g := uint32(0); g < l.groups; g++ {
		start := fdb + g*p.BlocksPerGroup
		meta := start
		if g == 0 {
			meta += 1 + l.gdtBlocks
		}
		l.groupStart[g] = start
		l.descs[g] = groupDesc{
			BlockBitmap: meta,
			InodeBitmap: meta + 1,
			InodeTable:  meta + 2,
		}
	}

	return l, nil
}

func alignUp32(n, a uint32) uint32 {
	return (n + a - 1) / a * a
}

// Format writes an empty volume to dev: superblock, descriptor table,
// bitmaps, zeroed inode tables and a root directory holding "." and "..".
func Format(ctx context.Context, dev device.Device, p Params) (*FS, error) {
	const op = "ext2.Format"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("device", dev.Name()))

	if int64(dev.SectorSize())*2 != SuperblockOffset {
		return nil, fmt.Errorf("%s: sector size %d: %w", op, dev.SectorSize(), kerrors.ErrUnsupported)
	}

	l, err := plan(dev, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	bs := l.blockSize
	sb := &l.sb
	zero := make([]byte, bs)
	sectors := uint32(bs / int64(dev.SectorSize()))

	write := func(block uint32, data []byte) error {
		return dev.Write(ctx, int64(block)*bs, data)
	}

	var rootBlock uint32
	for g := uint32(0); g < l.groups; g++ {
		d := &l.descs[g]
		start := l.groupStart[g]
		blocks := min(sb.BlocksPerGroup, sb.BlockCount-start)

		used := d.InodeTable + l.tableSize - start
		if g == 0 {
			rootBlock = start + used
			used++
		}

		blockBits := bitmap(make([]byte, bs))
		for i := uint32(0); i < uint32(bs*8); i++ {
			if i < used || i >= blocks {
				blockBits.set(i)
			}
		}

		inodeBits := bitmap(make([]byte, bs))
		reserved := uint32(0)
		if g == 0 {
			reserved = sb.FirstIno - 1
		}
		for i := uint32(0); i < uint32(bs*8); i++ {
			if i < reserved || i >= sb.InodesPerGroup {
				inodeBits.set(i)
			}
		}

		d.FreeBlocks = uint16(blocks - used)
		d.FreeInodes = uint16(sb.InodesPerGroup - reserved)
		if g == 0 {
			d.UsedDirs = 1
		}
		sb.FreeBlocks += uint32(d.FreeBlocks)
		sb.FreeInodes += uint32(d.FreeInodes)

		if err := write(d.BlockBitmap, blockBits); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := write(d.InodeBitmap, inodeBits); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		for b := uint32(0); b < l.tableSize; b++ {
			if err := write(d.InodeTable+b, zero); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	gdt := make([]byte, int64(l.gdtBlocks)*bs)
	for g := range l.descs {
		copy(gdt[g*groupDescSize:], l.descs[g].encode())
	}
	if err := write(sb.FirstDataBlock+1, gdt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := uint32(time.Now().Unix())
	sb.WriteTime = now
	if err := dev.Write(ctx, SuperblockOffset, sb.encode()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	dots := append(
		encodeEntry(RootIno, ".", fileTypeDir, true),
		encodeEntry(RootIno, "..", fileTypeDir, true)...,
	)
	rootData := make([]byte, bs)
	copy(rootData, dots)
	if err := write(rootBlock, rootData); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs, err := Probe(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	root := &Inode{
		Mode:    vfs.S_IFDIR | 0o755,
		Size:    uint32(len(dots)),
		ATime:   now,
		CTime:   now,
		MTime:   now,
		Links:   2,
		Sectors: sectors,
	}
	root.Block[0] = rootBlock
	if err := fs.writeInode(ctx, RootIno, root); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Formatted",
		slog.Uint64("groups", uint64(l.groups)),
		slog.String("size", humanize.IBytes(uint64(sb.BlockCount)*uint64(bs))),
		slog.String("free", humanize.IBytes(uint64(sb.FreeBlocks)*uint64(bs))),
	)

	return fs, nil
}
