package service

import (
	"bytes"
	"context"
	stdelf "debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/fd"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/mm"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/models"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pid = 1

// newKernel boots a kernel with a formatted sda mounted at / and a blank
// ram0, and spawns pid 1.
func newKernel(t *testing.T) *kernelService {
	t.Helper()

	ctx := context.Background()
	sda := device.NewMemory("sda", 512*1024, 512)
	_, err := ext2.Format(ctx, sda, ext2.Params{
		BlockCount:     512,
		BlocksPerGroup: 256,
		InodesPerGroup: 32,
	})
	require.NoError(t, err)

	s := NewKernelService(vfs.NewTree()).(*kernelService)

	kind, err := s.AttachDevice(ctx, "sda", sda)
	require.NoError(t, err)
	require.Equal(t, vfs.KindExt2, kind)

	kind, err = s.AttachDevice(ctx, "ram0", device.NewMemory("ram0", 64*1024, 512))
	require.NoError(t, err)
	require.Equal(t, vfs.KindNull, kind)

	require.NoError(t, s.Mount(ctx, "/dev/sda", "/"))
	require.NoError(t, s.Spawn(ctx, pid))
	return s
}

func errnoOf(t *testing.T, err error) int64 {
	t.Helper()

	var serr *ServiceError
	require.True(t, errors.As(err, &serr), "want *ServiceError, got %T", err)
	return serr.Code
}

func TestKernel_FileRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	fdNum, err := s.Open(ctx, pid, "/notes.txt", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fdNum)

	n, err := s.Write(ctx, pid, int(fdNum), []byte("kernel core"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	pos, err := s.Seek(ctx, pid, int(fdNum), 0, fd.SEEK_SET)
	require.NoError(t, err)
	assert.Zero(t, pos)

	buf := make([]byte, 32)
	n, err = s.Read(ctx, pid, int(fdNum), buf)
	require.NoError(t, err)
	assert.Equal(t, "kernel core", string(buf[:n]))

	meta, err := s.Stat(ctx, "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTypeFile, meta.Type)
	assert.Equal(t, int64(11), meta.Size)
	assert.Equal(t, uint16(1), meta.Links)

	res, err := s.Close(ctx, pid, int(fdNum))
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestKernel_FailuresRecordErrno(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	res, err := s.Read(ctx, pid, 42, make([]byte, 1))
	assert.Equal(t, int64(-1), res)
	assert.Equal(t, kerrors.EBADF, errnoOf(t, err))
	assert.ErrorIs(t, err, kerrors.ErrBadDescriptor)

	errno, err := s.Errno(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, kerrors.EBADF, errno)

	_, err = s.Open(ctx, pid, "/missing", vfs.O_RDONLY)
	assert.Equal(t, kerrors.ENOENT, errnoOf(t, err))
	errno, err = s.Errno(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, kerrors.ENOENT, errno)

	_, err = s.Open(ctx, 99, "/missing", vfs.O_RDONLY)
	assert.Equal(t, kerrors.ESRCH, errnoOf(t, err))
}

func TestKernel_DupAndDup2(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	a, err := s.Open(ctx, pid, "/a", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)

	same, err := s.Dup2(ctx, pid, int(a), int(a))
	require.NoError(t, err)
	assert.Equal(t, a, same)

	b, err := s.Dup(ctx, pid, int(a))
	require.NoError(t, err)
	assert.Equal(t, int64(1), b)

	_, err = s.Write(ctx, pid, int(b), []byte("xyz"))
	require.NoError(t, err)
	pos, err := s.Seek(ctx, pid, int(a), 0, fd.SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	c, err := s.Dup2(ctx, pid, int(a), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c)
}

func TestKernel_MkdirUnlinkReadDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	meta, err := s.Mkdir(ctx, "/etc")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTypeDir, meta.Type)
	assert.Equal(t, uint16(2), meta.Links)

	_, err = s.Mkdir(ctx, "/etc")
	assert.Equal(t, kerrors.EEXIST, errnoOf(t, err))

	fdNum, err := s.Open(ctx, pid, "/etc/hosts", vfs.O_WRONLY|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = s.Close(ctx, pid, int(fdNum))
	require.NoError(t, err)

	list, err := s.ReadDir(ctx, "/etc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hosts", list[0].Name)
	assert.Equal(t, models.NodeTypeFile, list[0].Type)

	require.NoError(t, s.Unlink(ctx, "/etc/hosts"))
	list, err = s.ReadDir(ctx, "/etc")
	require.NoError(t, err)
	assert.Empty(t, list)

	err = s.Unlink(ctx, "/etc")
	assert.Equal(t, kerrors.EISDIR, errnoOf(t, err))

	_, err = s.ReadDir(ctx, "/nowhere")
	assert.Equal(t, kerrors.ENOENT, errnoOf(t, err))

	// The null root of /dev cannot hold directories.
	_, err = s.Mkdir(ctx, "/dev/sub/dir")
	assert.Equal(t, kerrors.ENOTSUP, errnoOf(t, err))
	_, err = s.Stat(ctx, "/dev/sub")
	assert.Equal(t, kerrors.ENOENT, errnoOf(t, err))
}

func TestKernel_DeviceNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	err := s.Mount(ctx, "/dev/ram0", "/")
	assert.Equal(t, kerrors.ENODEV, errnoOf(t, err))

	err = s.Mount(ctx, "/dev/sda", "/")
	assert.Equal(t, kerrors.EBUSY, errnoOf(t, err))

	_, err = s.AttachDevice(ctx, "sda", device.NewMemory("sda", 4096, 512))
	assert.Equal(t, kerrors.EEXIST, errnoOf(t, err))

	raw, err := s.Open(ctx, pid, "/dev/ram0", vfs.O_RDWR)
	require.NoError(t, err)

	size, err := s.Ioctl(ctx, pid, int(raw), BLKGETSIZE64, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), size)

	sector, err := s.Ioctl(ctx, pid, int(raw), BLKSSZGET, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(512), sector)

	_, err = s.Ioctl(ctx, pid, int(raw), 0xdead, 0)
	assert.Equal(t, kerrors.ENOTSUP, errnoOf(t, err))

	_, err = s.Write(ctx, pid, int(raw), []byte("raw bytes"))
	require.NoError(t, err)
	_, err = s.Seek(ctx, pid, int(raw), 0, fd.SEEK_SET)
	require.NoError(t, err)
	buf := make([]byte, 9)
	_, err = s.Read(ctx, pid, int(raw), buf)
	require.NoError(t, err)
	assert.Equal(t, "raw bytes", string(buf))

	meta, err := s.Stat(ctx, "/dev/ram0")
	require.NoError(t, err)
	assert.Equal(t, models.NodeTypeDevice, meta.Type)
}

func TestKernel_FileBackedMmap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	fdNum, err := s.Open(ctx, pid, "/data", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = s.Write(ctx, pid, int(fdNum), []byte("mapped contents"))
	require.NoError(t, err)

	addr := uint64(mm.MinAddr + 8*mm.PageSize)
	got, err := s.Mmap(ctx, pid, addr, mm.PageSize, mm.PROT_READ, mm.MAP_PRIVATE|mm.MAP_FIXED, int(fdNum), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(addr), got)

	p := s.procs[pid]
	buf := make([]byte, 15)
	require.NoError(t, p.AddressSpace().ReadAt(ctx, buf, addr))
	assert.Equal(t, "mapped contents", string(buf))

	_, err = s.Mmap(ctx, pid, 0, mm.PageSize, mm.PROT_READ, mm.MAP_PRIVATE, 77, 0)
	assert.Equal(t, kerrors.EBADF, errnoOf(t, err))

	res, err := s.Munmap(ctx, pid, addr, mm.PageSize)
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Zero(t, p.Memory().OccupiedPages())
}

// tinyExecutable is a single-segment x86-64 image small enough for one
// filesystem block.
func tinyExecutable(t *testing.T) []byte {
	t.Helper()

	const codeOff = 128
	code := []byte{0xb8, 0x3c, 0, 0, 0, 0x0f, 0x05} // mov eax, 60; syscall

	hdr := stdelf.Header64{
		Type:      uint16(stdelf.ET_EXEC),
		Machine:   uint16(stdelf.EM_X86_64),
		Version:   uint32(stdelf.EV_CURRENT),
		Entry:     0x400000 + codeOff,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}
	copy(hdr.Ident[:], stdelf.ELFMAG)
	hdr.Ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS64)
	hdr.Ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2LSB)
	hdr.Ident[stdelf.EI_VERSION] = byte(stdelf.EV_CURRENT)

	prog := stdelf.Prog64{
		Type:   uint32(stdelf.PT_LOAD),
		Flags:  uint32(stdelf.PF_R | stdelf.PF_X),
		Off:    0,
		Vaddr:  0x400000,
		Filesz: codeOff + uint64(len(code)),
		Memsz:  codeOff + uint64(len(code)),
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &prog))
	img := make([]byte, codeOff+len(code))
	copy(img, buf.Bytes())
	copy(img[codeOff:], code)
	return img
}

func TestKernel_Exec(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	exe := tinyExecutable(t)
	fdNum, err := s.Open(ctx, pid, "/init", vfs.O_WRONLY|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = s.Write(ctx, pid, int(fdNum), exe)
	require.NoError(t, err)
	_, err = s.Close(ctx, pid, int(fdNum))
	require.NoError(t, err)

	img, err := s.Exec(ctx, pid, "/init")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400080), img.Entry)
	assert.Equal(t, uint16(1), img.Phnum)

	p := s.procs[pid]
	code := make([]byte, 7)
	require.NoError(t, p.AddressSpace().ReadAt(ctx, code, img.Entry))
	assert.Equal(t, exe[128:], code)

	// The executable descriptor is not left open.
	assert.Empty(t, p.Files().Descriptors())

	fdNum, err = s.Open(ctx, pid, "/not-elf", vfs.O_WRONLY|vfs.O_CREAT)
	require.NoError(t, err)
	_, err = s.Write(ctx, pid, int(fdNum), []byte("#!/bin/sh\n"))
	require.NoError(t, err)

	_, err = s.Exec(ctx, pid, "/not-elf")
	assert.Equal(t, kerrors.ENOEXEC, errnoOf(t, err))
}

func TestKernel_ExitClosesDescriptors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newKernel(t)

	_, err := s.Open(ctx, pid, "/held", vfs.O_RDWR|vfs.O_CREAT)
	require.NoError(t, err)
	require.NoError(t, s.Unlink(ctx, "/held"))

	require.NoError(t, s.Exit(ctx, pid))
	_, err = s.Errno(ctx, pid)
	assert.Equal(t, kerrors.ESRCH, errnoOf(t, err))

	err = s.Spawn(ctx, pid)
	require.NoError(t, err)
	err = s.Spawn(ctx, pid)
	assert.Equal(t, kerrors.EEXIST, errnoOf(t, err))
}
