// Package ext2 is a driver for a subset of the second extended filesystem:
// direct blocks only, packed directory records, no journal.
package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/dustin/go-humanize"
)

// FS is a probed ext2 volume. The superblock is read once; descriptors and
// bitmaps are read from the device on every allocation.
type FS struct {
	dev device.Device
	sb  Superblock

	blockSize    int64
	groups       uint32
	withFileType bool

	blocks sync.Pool
}

var _ vfs.Driver = (*FS)(nil)

// Probe reads the superblock two sectors into dev. A missing signature is
// reported as ErrUnrecognizedFS.
func Probe(ctx context.Context, dev device.Device) (*FS, error) {
	const op = "ext2.Probe"

	logger := logging.GetLoggerFromContextWithOp(ctx, op).With(slog.String("device", dev.Name()))

	off := int64(dev.SectorSize()) * 2
	if off+SuperblockSize > dev.Size() {
		return nil, fmt.Errorf("%s: device too small: %w", op, kerrors.ErrUnrecognizedFS)
	}

	raw := make([]byte, SuperblockSize)
	if err := dev.Read(ctx, off, raw); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs := &FS{
		dev:          dev,
		sb:           sb,
		blockSize:    sb.BlockSize(),
		groups:       sb.GroupCount(),
		withFileType: sb.FeatureIncompat&FeatureIncompatFiletype != 0,
	}
	fs.blocks.New = func() any {
		b := make([]byte, fs.blockSize)
		return &b
	}

	logger.Info("Filesystem detected",
		slog.String("inodes", humanize.Comma(int64(sb.InodeCount))),
		slog.Uint64("inodes_per_group", uint64(sb.InodesPerGroup)),
		slog.String("blocks", humanize.Comma(int64(sb.BlockCount))),
		slog.Uint64("blocks_per_group", uint64(sb.BlocksPerGroup)),
		slog.Uint64("first_inode", uint64(sb.FirstIno)),
		slog.String("block_size", humanize.IBytes(uint64(fs.blockSize))),
		slog.String("capacity", humanize.IBytes(uint64(sb.BlockCount)*uint64(fs.blockSize))),
	)

	return fs, nil
}

func (fs *FS) Kind() vfs.Kind         { return vfs.KindExt2 }
func (fs *FS) Superblock() Superblock { return fs.sb }
func (fs *FS) Device() device.Device  { return fs.dev }

func (fs *FS) getBlock() *[]byte  { return fs.blocks.Get().(*[]byte) }
func (fs *FS) putBlock(b *[]byte) { fs.blocks.Put(b) }

func (fs *FS) descOffset(group uint32) int64 {
	return int64(fs.sb.FirstDataBlock+1)*fs.blockSize + int64(group)*groupDescSize
}

func (fs *FS) readDesc(ctx context.Context, group uint32) (groupDesc, error) {
	if group >= fs.groups {
		return groupDesc{}, fmt.Errorf("group %d of %d: %w", group, fs.groups, kerrors.ErrCorruptLayout)
	}

	raw := make([]byte, groupDescSize)
	if err := fs.dev.Read(ctx, fs.descOffset(group), raw); err != nil {
		return groupDesc{}, fmt.Errorf("reading descriptor %d: %w", group, err)
	}
	return decodeGroupDesc(raw), nil
}

func (fs *FS) writeDesc(ctx context.Context, group uint32, d *groupDesc) error {
	if err := fs.dev.Write(ctx, fs.descOffset(group), d.encode()); err != nil {
		return fmt.Errorf("writing descriptor %d: %w", group, err)
	}
	return nil
}

// groupBlocks is the number of blocks group owns; the last group may be short.
func (fs *FS) groupBlocks(group uint32) uint32 {
	start := fs.sb.FirstDataBlock + group*fs.sb.BlocksPerGroup
	if start >= fs.sb.BlockCount {
		return 0
	}
	return min(fs.sb.BlocksPerGroup, fs.sb.BlockCount-start)
}

type bitmapKind int

const (
	blockBitmap bitmapKind = iota
	inodeBitmap
)

// claim takes the first clear bit in group's bitmap, persisting the bitmap
// and the descriptor counter.
func (fs *FS) claim(ctx context.Context, group uint32, kind bitmapKind) (uint32, bool, error) {
	desc, err := fs.readDesc(ctx, group)
	if err != nil {
		return 0, false, err
	}

	at, limit := desc.BlockBitmap, fs.groupBlocks(group)
	if kind == inodeBitmap {
		at, limit = desc.InodeBitmap, fs.sb.InodesPerGroup
	}

	buf := fs.getBlock()
	defer fs.putBlock(buf)

	off := int64(at) * fs.blockSize
	if err := fs.dev.Read(ctx, off, *buf); err != nil {
		return 0, false, err
	}

	bm := bitmap(*buf)
	bit, ok := bm.firstClear(limit)
	if !ok {
		return 0, false, nil
	}

	bm.set(bit)
	if err := fs.dev.Write(ctx, off, *buf); err != nil {
		return 0, false, err
	}

	if kind == inodeBitmap {
		desc.FreeInodes = decr(desc.FreeInodes)
	} else {
		desc.FreeBlocks = decr(desc.FreeBlocks)
	}
	if err := fs.writeDesc(ctx, group, &desc); err != nil {
		return 0, false, err
	}

	return bit, true, nil
}

// release clears bit in group's bitmap. Clearing a clear bit changes nothing.
func (fs *FS) release(ctx context.Context, group, bit uint32, kind bitmapKind) error {
	desc, err := fs.readDesc(ctx, group)
	if err != nil {
		return err
	}

	at := desc.BlockBitmap
	if kind == inodeBitmap {
		at = desc.InodeBitmap
	}

	buf := fs.getBlock()
	defer fs.putBlock(buf)

	off := int64(at) * fs.blockSize
	if err := fs.dev.Read(ctx, off, *buf); err != nil {
		return err
	}

	bm := bitmap(*buf)
	if !bm.test(bit) {
		return nil
	}

	bm.clear(bit)
	if err := fs.dev.Write(ctx, off, *buf); err != nil {
		return err
	}

	if kind == inodeBitmap {
		desc.FreeInodes++
	} else {
		desc.FreeBlocks++
	}
	return fs.writeDesc(ctx, group, &desc)
}

func decr(n uint16) uint16 {
	if n == 0 {
		return 0
	}
	return n - 1
}

// AllocBlock returns the first free block, scanning groups in order.
func (fs *FS) AllocBlock(ctx context.Context) (uint32, error) {
	const op = "ext2.FS.AllocBlock"

	for g := uint32(0); g < fs.groups; g++ {
		bit, ok, err := fs.claim(ctx, g, blockBitmap)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			return fs.sb.FirstDataBlock + g*fs.sb.BlocksPerGroup + bit, nil
		}
	}

	return 0, fmt.Errorf("%s: %w", op, kerrors.ErrNoSpace)
}

// AllocInode returns the zero-based index of the first free inode; the inode
// number is index+1.
func (fs *FS) AllocInode(ctx context.Context) (uint32, error) {
	const op = "ext2.FS.AllocInode"

	for g := uint32(0); g < fs.groups; g++ {
		bit, ok, err := fs.claim(ctx, g, inodeBitmap)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			return g*fs.sb.InodesPerGroup + bit, nil
		}
	}

	return 0, fmt.Errorf("%s: %w", op, kerrors.ErrNoSpace)
}

func (fs *FS) FreeBlock(ctx context.Context, block uint32) error {
	const op = "ext2.FS.FreeBlock"

	if block < fs.sb.FirstDataBlock || block >= fs.sb.BlockCount {
		return fmt.Errorf("%s: block %d: %w", op, block, kerrors.ErrInvalidArgument)
	}

	rel := block - fs.sb.FirstDataBlock
	if err := fs.release(ctx, rel/fs.sb.BlocksPerGroup, rel%fs.sb.BlocksPerGroup, blockBitmap); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (fs *FS) FreeInode(ctx context.Context, index uint32) error {
	const op = "ext2.FS.FreeInode"

	if index >= fs.sb.InodeCount {
		return fmt.Errorf("%s: inode index %d: %w", op, index, kerrors.ErrInvalidArgument)
	}

	if err := fs.release(ctx, index/fs.sb.InodesPerGroup, index%fs.sb.InodesPerGroup, inodeBitmap); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Usage is the volume geometry plus the free counters summed over groups.
type Usage struct {
	BlockSize  int64
	Groups     uint32
	Blocks     uint32
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
	UsedDirs   uint32
}

func (fs *FS) Usage(ctx context.Context) (Usage, error) {
	u := Usage{
		BlockSize: fs.blockSize,
		Groups:    fs.groups,
		Blocks:    fs.sb.BlockCount,
		Inodes:    fs.sb.InodeCount,
	}
	for g := uint32(0); g < fs.groups; g++ {
		d, err := fs.readDesc(ctx, g)
		if err != nil {
			return u, err
		}
		u.FreeBlocks += uint32(d.FreeBlocks)
		u.FreeInodes += uint32(d.FreeInodes)
		u.UsedDirs += uint32(d.UsedDirs)
	}
	return u, nil
}
