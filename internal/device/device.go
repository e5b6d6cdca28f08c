// Package device holds the block devices a filesystem can be probed on.
package device

import (
	"context"
	"fmt"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
)

const DefaultSectorSize = 512

// Device is a byte-addressed block device. Transfers may be of any length
// but must stay inside [0, Size()).
type Device interface {
	Name() string
	SectorSize() int
	Size() int64
	Read(ctx context.Context, offset int64, buf []byte) error
	Write(ctx context.Context, offset int64, buf []byte) error
}

// Syncer is implemented by devices that buffer writes.
type Syncer interface {
	Sync(ctx context.Context) error
}

func checkRange(op string, dev Device, offset int64, n int) error {
	if offset < 0 || offset+int64(n) > dev.Size() {
		return fmt.Errorf("%s: %s: range [%d, %d) outside device of %d bytes: %w",
			op, dev.Name(), offset, offset+int64(n), dev.Size(), kerrors.ErrInvalidArgument)
	}
	return nil
}
