// Package vfs is the kernel's single namespace tree. Every path resolves to a
// Node; a Node is served by the Filesystem it was created under.
package vfs

import (
	"context"
)

type Kind int

const (
	KindNull Kind = iota
	KindExt2
)

func (k Kind) String() string {
	switch k {
	case KindExt2:
		return "ext2"
	default:
		return "null"
	}
}

// Open flags, Linux values.
const (
	O_RDONLY    = 0x0
	O_WRONLY    = 0x1
	O_RDWR      = 0x2
	O_ACCMODE   = 0x3
	O_CREAT     = 0x40
	O_DIRECTORY = 0x10000
)

// Mode bits.
const (
	S_IFMT  = 0xF000
	S_IFBLK = 0x6000
	S_IFDIR = 0x4000
	S_IFREG = 0x8000
)

type Stat struct {
	Ino   uint32
	Size  int64
	Mode  uint32
	Links uint16
}

func (s Stat) IsDir() bool { return s.Mode&S_IFMT == S_IFDIR }

// Driver is the capability set a filesystem implementation provides to the
// tree. Offsets and sizes are in bytes; block and inode numbers are the
// driver's own.
type Driver interface {
	Kind() Kind
	Open(ctx context.Context, node *Node, flags int) error
	Read(ctx context.Context, node *Node, offset int64, buf []byte) (int, error)
	Write(ctx context.Context, node *Node, offset int64, buf []byte) (int, error)
	// Refresh populates the subtree under node from the backing store.
	Refresh(ctx context.Context, tree *Tree, node *Node) error
	Unlink(ctx context.Context, node *Node) error

	AllocBlock(ctx context.Context) (uint32, error)
	AllocInode(ctx context.Context) (uint32, error)
	FreeBlock(ctx context.Context, block uint32) error
	FreeInode(ctx context.Context, index uint32) error
}

// Filesystem binds a driver to the subtree it is mounted on.
type Filesystem struct {
	driver    Driver
	mountGate string
	mounted   bool
}

func NewFilesystem(driver Driver) *Filesystem {
	if driver == nil {
		driver = Null()
	}
	return &Filesystem{driver: driver}
}

func (fs *Filesystem) Driver() Driver    { return fs.driver }
func (fs *Filesystem) Kind() Kind        { return fs.driver.Kind() }
func (fs *Filesystem) MountGate() string { return fs.mountGate }
func (fs *Filesystem) Mounted() bool     { return fs.mounted }
