// Package elf stages ELF64 executables into a process address space.
package elf

import (
	"bytes"
	"context"
	stdelf "debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/mm"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

const (
	headerSize = 64
	phentSize  = 56

	// maxInterpLen bounds the PT_INTERP string read from the image.
	maxInterpLen = 4096

	segmentChunk = 64 << 10
)

// Image describes a staged executable: its entry point and the auxiliary
// vector values a loader hands to the new process.
type Image struct {
	Entry  uint64
	Phdr   uint64 // AT_PHDR, zero without PT_PHDR
	Phent  uint16
	Phnum  uint16
	Interp string
}

// File is the executable being loaded.
type File interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

func readFull(ctx context.Context, f File, p []byte, off int64) error {
	n, err := f.ReadAt(ctx, p, off)
	if err != nil {
		return err
	}
	if n < len(p) {
		return fmt.Errorf("short read at %d: %d of %d bytes: %w", off, n, len(p), kerrors.ErrNoExec)
	}
	return nil
}

// ReadHeader reads and validates the ELF header of f.
func ReadHeader(ctx context.Context, f File) (*stdelf.Header64, error) {
	raw := make([]byte, headerSize)
	if err := readFull(ctx, f, raw, 0); err != nil {
		return nil, err
	}

	var hdr stdelf.Header64
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if err := validate(&hdr); err != nil {
		return nil, err
	}
	return &hdr, nil
}

func validate(hdr *stdelf.Header64) error {
	switch {
	case string(hdr.Ident[:4]) != stdelf.ELFMAG:
		return fmt.Errorf("bad magic %q: %w", hdr.Ident[:4], kerrors.ErrNoExec)
	case hdr.Ident[stdelf.EI_OSABI] != byte(stdelf.ELFOSABI_NONE) && hdr.Ident[stdelf.EI_OSABI] != byte(stdelf.ELFOSABI_LINUX):
		return fmt.Errorf("abi %v: %w", stdelf.OSABI(hdr.Ident[stdelf.EI_OSABI]), kerrors.ErrNoExec)
	case hdr.Ident[stdelf.EI_DATA] != byte(stdelf.ELFDATA2LSB):
		return fmt.Errorf("byte order %v: %w", stdelf.Data(hdr.Ident[stdelf.EI_DATA]), kerrors.ErrNoExec)
	case hdr.Ident[stdelf.EI_CLASS] != byte(stdelf.ELFCLASS64):
		return fmt.Errorf("class %v: %w", stdelf.Class(hdr.Ident[stdelf.EI_CLASS]), kerrors.ErrNoExec)
	case hdr.Machine != uint16(stdelf.EM_X86_64) && hdr.Machine != uint16(stdelf.EM_NONE):
		return fmt.Errorf("machine %v: %w", stdelf.Machine(hdr.Machine), kerrors.ErrNoExec)
	case hdr.Phnum > 0 && hdr.Phentsize != phentSize:
		return fmt.Errorf("program header size %d: %w", hdr.Phentsize, kerrors.ErrNoExec)
	}
	return nil
}

// ReadProgramHeaders reads the program header table described by hdr.
func ReadProgramHeaders(ctx context.Context, f File, hdr *stdelf.Header64) ([]stdelf.Prog64, error) {
	raw := make([]byte, int(hdr.Phnum)*phentSize)
	if err := readFull(ctx, f, raw, int64(hdr.Phoff)); err != nil {
		return nil, err
	}

	progs := make([]stdelf.Prog64, hdr.Phnum)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, progs); err != nil {
		return nil, err
	}

	for i, p := range progs {
		if stdelf.ProgType(p.Type) == stdelf.PT_LOAD && p.Filesz > p.Memsz {
			return nil, fmt.Errorf("segment %d: file size %d exceeds memory size %d: %w", i, p.Filesz, p.Memsz, kerrors.ErrNoExec)
		}
	}
	return progs, nil
}

// copySegment copies n file bytes at off into memory at vaddr, a bounded
// chunk at a time.
func copySegment(ctx context.Context, mgr *mm.Manager, f File, vaddr uint64, off int64, n uint64) error {
	buf := make([]byte, min(n, segmentChunk))
	for done := uint64(0); done < n; {
		chunk := buf[:min(n-done, uint64(len(buf)))]
		if err := readFull(ctx, f, chunk, off+int64(done)); err != nil {
			return err
		}
		if err := mgr.Write(ctx, vaddr+done, chunk); err != nil {
			return err
		}
		done += uint64(len(chunk))
	}
	return nil
}

// Load validates f and maps each PT_LOAD segment at base+vaddr, copying the
// segment's file bytes in. The interpreter path is read only when
// wantInterp is set. Load does not start the image.
//
// Nothing is mapped when the header or program headers are rejected; a
// failure while staging segments unmaps what was already staged.
func Load(ctx context.Context, mgr *mm.Manager, f File, base uint64, wantInterp bool) (*Image, error) {
	const op = "elf.Load"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	hdr, err := ReadHeader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	progs, err := ReadProgramHeaders(ctx, f, hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	img := &Image{
		Entry: base + hdr.Entry,
		Phent: phentSize,
		Phnum: hdr.Phnum,
	}

	type span struct{ addr, length uint64 }
	var staged []span
	unstage := func() {
		for _, s := range staged {
			if err := mgr.Munmap(ctx, s.addr, s.length); err != nil {
				logger.Error("Failed to unstage segment", slogext.Err(err), slog.Uint64("addr", s.addr))
			}
		}
	}

	for i, p := range progs {
		switch stdelf.ProgType(p.Type) {
		case stdelf.PT_INTERP:
			if !wantInterp {
				continue
			}
			if p.Filesz > maxInterpLen || p.Off > math.MaxInt64-p.Filesz {
				unstage()
				return nil, fmt.Errorf("%s: interpreter path %d+%d: %w", op, p.Off, p.Filesz, kerrors.ErrNoExec)
			}
			raw := make([]byte, p.Filesz)
			if err := readFull(ctx, f, raw, int64(p.Off)); err != nil {
				unstage()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			img.Interp = strings.TrimRight(string(raw), "\x00")

		case stdelf.PT_PHDR:
			img.Phdr = base + p.Vaddr

		case stdelf.PT_LOAD:
			if p.Memsz == 0 {
				continue
			}
			vaddr := base + p.Vaddr
			if vaddr < base || p.Memsz > mm.MaxAddr || vaddr > mm.MaxAddr-p.Memsz {
				unstage()
				return nil, fmt.Errorf("%s: segment %d at %#x+%d leaves the user range: %w", op, i, p.Vaddr, p.Memsz, kerrors.ErrNoExec)
			}
			if p.Off > math.MaxInt64-p.Filesz {
				unstage()
				return nil, fmt.Errorf("%s: segment %d file range %d+%d: %w", op, i, p.Off, p.Filesz, kerrors.ErrNoExec)
			}
			misalign := vaddr & (mm.PageSize - 1)
			length := (misalign + p.Memsz + mm.PageSize - 1) &^ (mm.PageSize - 1)

			addr, err := mgr.Mmap(ctx, vaddr-misalign, length,
				mm.PROT_READ|mm.PROT_WRITE|mm.PROT_EXEC, mm.MAP_ANONYMOUS|mm.MAP_FIXED, nil, 0)
			if err != nil {
				unstage()
				return nil, fmt.Errorf("%s: segment %d: %w", op, i, err)
			}
			staged = append(staged, span{addr, length})

			if err := copySegment(ctx, mgr, f, vaddr, int64(p.Off), p.Filesz); err != nil {
				unstage()
				return nil, fmt.Errorf("%s: segment %d: %w", op, i, err)
			}

			logger.Debug("Staged segment",
				slog.Int("index", i),
				slog.Uint64("vaddr", vaddr),
				slog.Uint64("filesz", p.Filesz),
				slog.Uint64("memsz", p.Memsz),
			)
		}
	}

	logger.Info("Image loaded", slog.Uint64("entry", img.Entry), slog.String("interp", img.Interp))
	return img, nil
}
