package ext2

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

const (
	direntHeaderSize = 8
	maxNameLen       = 255

	fileTypeUnknown = 0
	fileTypeRegular = 1
	fileTypeDir     = 2
)

// DirEntry is one parsed directory record.
type DirEntry struct {
	Ino      uint32
	RecLen   uint16
	Name     string
	FileType uint8
	// Offset is the record's position in the directory byte stream.
	Offset int
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

func recordLen(nameLen int) int {
	return alignUp(direntHeaderSize+nameLen, 4)
}

// entries lazily parses packed directory records out of data. Every record
// must be exactly as long as its header plus name rounded up to 4 bytes;
// anything else ends the sequence with ErrCorruptLayout. Records with inode
// 0 are skipped.
func entries(data []byte, withFileType bool) iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		for off := 0; off < len(data); {
			if len(data)-off < direntHeaderSize {
				yield(DirEntry{}, fmt.Errorf("truncated record header at %d: %w", off, kerrors.ErrCorruptLayout))
				return
			}

			rec := data[off:]
			e := DirEntry{
				Ino:    binary.LittleEndian.Uint32(rec[0:4]),
				RecLen: binary.LittleEndian.Uint16(rec[4:6]),
				Offset: off,
			}

			var nameLen int
			if withFileType {
				nameLen = int(rec[6])
				e.FileType = rec[7]
			} else {
				nameLen = int(binary.LittleEndian.Uint16(rec[6:8]))
			}

			if want := recordLen(nameLen); int(e.RecLen) != want {
				yield(DirEntry{}, fmt.Errorf("record at %d has length %d, want %d: %w", off, e.RecLen, want, kerrors.ErrCorruptLayout))
				return
			}
			if int(e.RecLen) > len(rec) {
				yield(DirEntry{}, fmt.Errorf("record at %d overruns directory: %w", off, kerrors.ErrCorruptLayout))
				return
			}

			e.Name = string(rec[direntHeaderSize : direntHeaderSize+nameLen])
			off += int(e.RecLen)

			if e.Ino == 0 {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func encodeEntry(ino uint32, name string, fileType uint8, withFileType bool) []byte {
	rec := make([]byte, recordLen(len(name)))
	binary.LittleEndian.PutUint32(rec[0:4], ino)
	binary.LittleEndian.PutUint16(rec[4:6], uint16(len(rec)))
	if withFileType {
		rec[6] = uint8(len(name))
		rec[7] = fileType
	} else {
		binary.LittleEndian.PutUint16(rec[6:8], uint16(len(name)))
	}
	copy(rec[direntHeaderSize:], name)
	return rec
}
