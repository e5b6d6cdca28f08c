package elf

import (
	"bytes"
	"context"
	stdelf "debug/elf"
	"encoding/binary"
	"math"
	"testing"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/mm"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile []byte

func (f memFile) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(f)) {
		return 0, nil
	}
	return copy(p, f[off:]), nil
}

const (
	interpPath = "/lib/ld-kcore.so\x00"
	textOff    = 0x1000
	dataOff    = 0x2000
)

var (
	text = bytes.Repeat([]byte{0x90}, 300)
	data = []byte("initialised data")
)

// buildImage assembles an x86-64 executable with PT_PHDR, PT_INTERP, a text
// segment and a data segment whose memory size exceeds its file size.
func buildImage(t *testing.T, mutate func(*stdelf.Header64, []stdelf.Prog64)) memFile {
	t.Helper()

	progs := []stdelf.Prog64{
		{Type: uint32(stdelf.PT_PHDR), Off: headerSize, Vaddr: 0x400040, Filesz: 4 * phentSize, Memsz: 4 * phentSize},
		{Type: uint32(stdelf.PT_INTERP), Off: 0x200, Vaddr: 0x400200, Filesz: uint64(len(interpPath)), Memsz: uint64(len(interpPath))},
		{Type: uint32(stdelf.PT_LOAD), Off: textOff, Vaddr: 0x401000, Filesz: uint64(len(text)), Memsz: uint64(len(text))},
		{Type: uint32(stdelf.PT_LOAD), Off: dataOff, Vaddr: 0x403010, Filesz: uint64(len(data)), Memsz: 2 * mm.PageSize},
	}

	hdr := stdelf.Header64{
		Type:      uint16(stdelf.ET_EXEC),
		Machine:   uint16(stdelf.EM_X86_64),
		Version:   uint32(stdelf.EV_CURRENT),
		Entry:     0x401000,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: phentSize,
		Phnum:     uint16(len(progs)),
	}
	copy(hdr.Ident[:], stdelf.ELFMAG)
	hdr.Ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS64)
	hdr.Ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2LSB)
	hdr.Ident[stdelf.EI_VERSION] = byte(stdelf.EV_CURRENT)
	hdr.Ident[stdelf.EI_OSABI] = byte(stdelf.ELFOSABI_NONE)

	if mutate != nil {
		mutate(&hdr, progs)
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, progs))

	img := make([]byte, dataOff+len(data))
	copy(img, buf.Bytes())
	copy(img[0x200:], interpPath)
	copy(img[textOff:], text)
	copy(img[dataOff:], data)
	return img
}

func newManager() (*mm.Manager, *mm.SparseAddressSpace) {
	as := mm.NewSparseAddressSpace()
	return mm.NewManager(as), as
}

func TestLoad_StagesSegments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr, as := newManager()

	const base = 0x1000000
	img, err := Load(ctx, mgr, buildImage(t, nil), base, true)
	require.NoError(t, err)

	assert.Equal(t, uint64(base+0x401000), img.Entry)
	assert.Equal(t, uint64(base+0x400040), img.Phdr)
	assert.Equal(t, uint16(phentSize), img.Phent)
	assert.Equal(t, uint16(4), img.Phnum)
	assert.Equal(t, "/lib/ld-kcore.so", img.Interp)

	got := make([]byte, len(text))
	require.NoError(t, as.ReadAt(ctx, got, base+0x401000))
	assert.Equal(t, text, got)

	got = make([]byte, len(data))
	require.NoError(t, as.ReadAt(ctx, got, base+0x403010))
	assert.Equal(t, data, got)

	// The data segment is misaligned by 0x10 and spans three pages; the
	// bytes past its file size are zero.
	tail := make([]byte, 16)
	require.NoError(t, as.ReadAt(ctx, tail, base+0x403010+uint64(len(data))))
	assert.Equal(t, make([]byte, 16), tail)
	assert.True(t, mgr.Occupied(base+0x405000))
	assert.Equal(t, 4, mgr.OccupiedPages())

	prot, ok := as.Prot(base + 0x401000)
	require.True(t, ok)
	assert.Equal(t, mm.PROT_READ|mm.PROT_WRITE|mm.PROT_EXEC, prot)
}

func TestLoad_InterpreterOnlyWhenRequested(t *testing.T) {
	t.Parallel()

	mgr, _ := newManager()
	img, err := Load(context.Background(), mgr, buildImage(t, nil), 0, false)
	require.NoError(t, err)
	assert.Empty(t, img.Interp)
	assert.Equal(t, uint64(0x401000), img.Entry)
}

func TestLoad_RejectsWithoutSideEffects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*stdelf.Header64, []stdelf.Prog64)
	}{
		{"wrong magic", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Ident[1] = 'X' }},
		{"32-bit class", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Ident[stdelf.EI_CLASS] = byte(stdelf.ELFCLASS32) }},
		{"big endian", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Ident[stdelf.EI_DATA] = byte(stdelf.ELFDATA2MSB) }},
		{"foreign abi", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Ident[stdelf.EI_OSABI] = byte(stdelf.ELFOSABI_FREEBSD) }},
		{"foreign machine", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Machine = uint16(stdelf.EM_AARCH64) }},
		{"odd phentsize", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Phentsize = 32 }},
		{"filesz over memsz", func(_ *stdelf.Header64, p []stdelf.Prog64) { p[2].Memsz = 10 }},
		{"program headers past end", func(h *stdelf.Header64, _ []stdelf.Prog64) { h.Phoff = 1 << 20 }},
		{"segment size wraps", func(_ *stdelf.Header64, p []stdelf.Prog64) {
			p[2].Filesz = 1 << 62
			p[2].Memsz = math.MaxUint64 - 100
		}},
		{"segment past the user range", func(_ *stdelf.Header64, p []stdelf.Prog64) { p[3].Vaddr = mm.MaxAddr - mm.PageSize }},
		{"segment address wraps", func(_ *stdelf.Header64, p []stdelf.Prog64) { p[3].Vaddr = math.MaxUint64 - 10 }},
		{"segment offset overflows", func(_ *stdelf.Header64, p []stdelf.Prog64) { p[3].Off = math.MaxUint64 - 4 }},
		{"interpreter offset overflows", func(_ *stdelf.Header64, p []stdelf.Prog64) { p[1].Off = math.MaxUint64 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mgr, as := newManager()
			img, err := Load(context.Background(), mgr, buildImage(t, tt.mutate), 0, true)
			require.ErrorIs(t, err, kerrors.ErrNoExec)
			assert.Nil(t, img)
			assert.Zero(t, mgr.OccupiedPages())
			assert.Zero(t, as.Mapped())
		})
	}
}

func TestLoad_ShortSegmentUnstages(t *testing.T) {
	t.Parallel()

	mgr, as := newManager()
	file := buildImage(t, func(_ *stdelf.Header64, p []stdelf.Prog64) {
		p[3].Off = 1 << 20
	})

	img, err := Load(context.Background(), mgr, file, 0, false)
	require.ErrorIs(t, err, kerrors.ErrNoExec)
	assert.Nil(t, img)
	assert.Zero(t, mgr.OccupiedPages())
	assert.Zero(t, as.Mapped())
}

func TestLoad_TruncatedHeader(t *testing.T) {
	t.Parallel()

	mgr, _ := newManager()
	_, err := Load(context.Background(), mgr, memFile(stdelf.ELFMAG), 0, false)
	assert.ErrorIs(t, err, kerrors.ErrNoExec)
}
