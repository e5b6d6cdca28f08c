package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

const (
	Magic uint16 = 0xef53

	SuperblockOffset = 1024
	SuperblockSize   = 1024
	RootIno          = 2

	StateClean uint16 = 1

	RevStatic  uint32 = 0
	RevDynamic uint32 = 1

	DefaultFirstIno  uint32 = 11
	DefaultInodeSize uint16 = 128

	FeatureIncompatFiletype uint32 = 0x0002
	supportedIncompat              = FeatureIncompatFiletype

	groupDescSize = 32
	directBlocks  = 12
)

// Superblock mirrors the first 104 bytes of the on-disk superblock.
type Superblock struct {
	InodeCount      uint32
	BlockCount      uint32
	ReservedBlocks  uint32
	FreeBlocks      uint32
	FreeInodes      uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     uint32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	MountTime       uint32
	WriteTime       uint32
	MountCount      uint16
	MaxMountCount   int16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRev        uint16
	LastCheck       uint32
	CheckInterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	DefResUID       uint16
	DefResGID       uint16
	FirstIno        uint32
	InodeSize       uint16
	BlockGroupNr    uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
}

func decodeSuperblock(b []byte) (Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &sb); err != nil {
		return sb, fmt.Errorf("decoding superblock: %w", err)
	}

	if sb.Magic != Magic {
		return sb, fmt.Errorf("decoding superblock: bad magic %#04x: %w", sb.Magic, kerrors.ErrUnrecognizedFS)
	}

	if sb.RevLevel == RevStatic {
		sb.FirstIno = DefaultFirstIno
		sb.InodeSize = DefaultInodeSize
		sb.FeatureIncompat = 0
	}

	switch {
	case sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0:
		return sb, fmt.Errorf("decoding superblock: empty groups: %w", kerrors.ErrCorruptLayout)
	case sb.LogBlockSize > 6:
		return sb, fmt.Errorf("decoding superblock: block size shift %d: %w", sb.LogBlockSize, kerrors.ErrCorruptLayout)
	case sb.InodeSize < DefaultInodeSize:
		return sb, fmt.Errorf("decoding superblock: inode size %d: %w", sb.InodeSize, kerrors.ErrCorruptLayout)
	case sb.FeatureIncompat&^supportedIncompat != 0:
		return sb, fmt.Errorf("decoding superblock: incompatible features %#x: %w", sb.FeatureIncompat, kerrors.ErrUnsupported)
	}

	return sb, nil
}

func (sb *Superblock) encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, SuperblockSize))
	// bytes.Buffer writes never fail
	_ = binary.Write(buf, binary.LittleEndian, sb)

	out := make([]byte, SuperblockSize)
	copy(out, buf.Bytes())
	return out
}

func (sb *Superblock) BlockSize() int64 { return 1024 << sb.LogBlockSize }

// GroupCount is ceil(block count / blocks per group).
func (sb *Superblock) GroupCount() uint32 {
	return (sb.BlockCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// groupDesc is one 32-byte entry of the block group descriptor table.
type groupDesc struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint16
	FreeInodes  uint16
	UsedDirs    uint16
	Pad         uint16
	Reserved    [12]byte
}

func decodeGroupDesc(b []byte) groupDesc {
	var d groupDesc
	// fixed-size struct over a slice of at least groupDescSize bytes
	_ = binary.Read(bytes.NewReader(b[:groupDescSize]), binary.LittleEndian, &d)
	return d
}

func (d *groupDesc) encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, groupDescSize))
	_ = binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}
