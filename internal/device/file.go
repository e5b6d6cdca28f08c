package device

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"golang.org/x/sys/unix"
)

// File is a device backed by a disk image. The image is held under an
// exclusive advisory lock for as long as the device is open.
type File struct {
	name       string
	sectorSize int
	size       int64
	file       *os.File
}

// OpenFile opens (creating if needed) the image at path. A non-zero size
// extends a shorter image; zero keeps the image's current length.
func OpenFile(name, path string, size int64, sectorSize int) (*File, error) {
	const op = "device.OpenFile"

	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: image `%s` is locked: %w", op, path, kerrors.ErrBusy)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if size > info.Size() {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		size = info.Size()
	}

	return &File{
		name:       name,
		sectorSize: sectorSize,
		size:       size,
		file:       f,
	}, nil
}

func (d *File) Name() string    { return d.name }
func (d *File) SectorSize() int { return d.sectorSize }
func (d *File) Size() int64     { return d.size }

func (d *File) Read(_ context.Context, offset int64, buf []byte) error {
	if err := checkRange("device.File.Read", d, offset, len(buf)); err != nil {
		return err
	}

	if _, err := d.file.ReadAt(buf, offset); err != nil {
		return fmt.Errorf(
			"reading file `%s` at offset `%d`: %w",
			d.file.Name(),
			offset,
			err,
		)
	}

	return nil
}

func (d *File) Write(_ context.Context, offset int64, buf []byte) error {
	if err := checkRange("device.File.Write", d, offset, len(buf)); err != nil {
		return err
	}

	if _, err := d.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf(
			"writing file `%s` at offset `%d`: %w",
			d.file.Name(),
			offset,
			err,
		)
	}

	return nil
}

func (d *File) Sync(_ context.Context) error {
	if err := unix.Fsync(int(d.file.Fd())); err != nil {
		return fmt.Errorf("device.File.Sync: %w", err)
	}
	return nil
}

func (d *File) Close() error {
	syncErr := d.Sync(context.Background())
	_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
	return errors.Join(syncErr, d.file.Close())
}
