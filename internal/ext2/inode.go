package ext2

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
)

// Inode is the 128-byte on-disk inode record.
type Inode struct {
	Mode       uint16
	UID        uint16
	Size       uint32
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	GID        uint16
	Links      uint16
	Sectors    uint32
	Flags      uint32
	OSD1       uint32
	Block      [15]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32
	FragAddr   uint32
	OSD2       [12]byte
}

func (in *Inode) IsDir() bool { return uint32(in.Mode)&vfs.S_IFMT == vfs.S_IFDIR }

func (in *Inode) stat(ino uint32) vfs.Stat {
	return vfs.Stat{
		Ino:   ino,
		Size:  int64(in.Size),
		Mode:  uint32(in.Mode),
		Links: in.Links,
	}
}

// inodeOffset returns the byte offset of inode ino on the device.
func (fs *FS) inodeOffset(ctx context.Context, ino uint32) (int64, error) {
	if ino == 0 || ino > fs.sb.InodeCount {
		return 0, fmt.Errorf("inode %d out of range: %w", ino, kerrors.ErrCorruptLayout)
	}

	index := ino - 1
	group := index / fs.sb.InodesPerGroup
	local := index % fs.sb.InodesPerGroup

	desc, err := fs.readDesc(ctx, group)
	if err != nil {
		return 0, err
	}

	return int64(desc.InodeTable)*fs.blockSize + int64(local)*int64(fs.sb.InodeSize), nil
}

func (fs *FS) readInode(ctx context.Context, ino uint32) (*Inode, error) {
	off, err := fs.inodeOffset(ctx, ino)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, DefaultInodeSize)
	if err := fs.dev.Read(ctx, off, raw); err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", ino, err)
	}

	var in Inode
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &in); err != nil {
		return nil, fmt.Errorf("decoding inode %d: %w", ino, err)
	}
	return &in, nil
}

func (fs *FS) writeInode(ctx context.Context, ino uint32, in *Inode) error {
	off, err := fs.inodeOffset(ctx, ino)
	if err != nil {
		return err
	}

	buf := bytes.NewBuffer(make([]byte, 0, DefaultInodeSize))
	_ = binary.Write(buf, binary.LittleEndian, in)

	if err := fs.dev.Write(ctx, off, buf.Bytes()); err != nil {
		return fmt.Errorf("writing inode %d: %w", ino, err)
	}
	return nil
}

// capacity is the byte length covered by the inode's leading run of
// allocated direct blocks.
func (fs *FS) capacity(in *Inode) int64 {
	n := 0
	for n < directBlocks && in.Block[n] != 0 {
		n++
	}
	return int64(n) * fs.blockSize
}

// readData copies inode bytes starting at off into buf walking direct blocks.
// Holes read as zeroes.
func (fs *FS) readData(ctx context.Context, in *Inode, off int64, buf []byte) error {
	for done := 0; done < len(buf); {
		pos := off + int64(done)
		bi := pos / fs.blockSize
		if bi >= directBlocks {
			return fmt.Errorf("read past direct blocks: %w", kerrors.ErrUnsupported)
		}

		inBlock := pos % fs.blockSize
		n := min(int64(len(buf)-done), fs.blockSize-inBlock)
		chunk := buf[done : done+int(n)]

		if blk := in.Block[bi]; blk == 0 {
			clear(chunk)
		} else if err := fs.dev.Read(ctx, int64(blk)*fs.blockSize+inBlock, chunk); err != nil {
			return err
		}
		done += int(n)
	}
	return nil
}

// writeData stores data at off. Every block touched must already be
// allocated.
func (fs *FS) writeData(ctx context.Context, in *Inode, off int64, data []byte) error {
	if off+int64(len(data)) > fs.capacity(in) {
		return fmt.Errorf("write of %d bytes at %d exceeds allocated blocks: %w", len(data), off, kerrors.ErrUnsupported)
	}

	for done := 0; done < len(data); {
		pos := off + int64(done)
		bi := pos / fs.blockSize
		inBlock := pos % fs.blockSize
		n := min(int64(len(data)-done), fs.blockSize-inBlock)

		if err := fs.dev.Write(ctx, int64(in.Block[bi])*fs.blockSize+inBlock, data[done:done+int(n)]); err != nil {
			return err
		}
		done += int(n)
	}
	return nil
}

// grow allocates zeroed direct blocks until the inode covers size bytes and
// returns the blocks it added. On failure the blocks already added are freed
// and in is left as it was. Used for directories only; regular files never
// grow past their blocks.
func (fs *FS) grow(ctx context.Context, in *Inode, size int64) ([]uint32, error) {
	var added []uint32
	undo := func(cause error) ([]uint32, error) {
		fs.shrink(ctx, in, added)
		return nil, cause
	}

	for fs.capacity(in) < size {
		bi := fs.capacity(in) / fs.blockSize
		if bi >= directBlocks {
			return undo(fmt.Errorf("directory needs indirect blocks: %w", kerrors.ErrUnsupported))
		}

		blk, err := fs.AllocBlock(ctx)
		if err != nil {
			return undo(err)
		}
		if err := fs.zeroBlock(ctx, blk); err != nil {
			_ = fs.FreeBlock(ctx, blk)
			return undo(err)
		}

		in.Block[bi] = blk
		in.Sectors += fs.sectorsPerBlock()
		added = append(added, blk)
	}
	return added, nil
}

// shrink detaches blocks, the trailing blocks grow added to in, and frees them.
func (fs *FS) shrink(ctx context.Context, in *Inode, blocks []uint32) {
	for i := len(blocks) - 1; i >= 0; i-- {
		bi := fs.capacity(in)/fs.blockSize - 1
		in.Block[bi] = 0
		in.Sectors -= fs.sectorsPerBlock()
		_ = fs.FreeBlock(ctx, blocks[i])
	}
}

func (fs *FS) zeroBlock(ctx context.Context, blk uint32) error {
	buf := fs.getBlock()
	defer fs.putBlock(buf)

	clear(*buf)
	return fs.dev.Write(ctx, int64(blk)*fs.blockSize, *buf)
}

func (fs *FS) sectorsPerBlock() uint32 {
	return uint32(fs.blockSize / int64(fs.dev.SectorSize()))
}
