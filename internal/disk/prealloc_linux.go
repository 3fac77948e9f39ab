//go:build linux

package disk

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Fallocate reserves size bytes with fallocate(2), retrying interrupted
// calls.
func Fallocate(f afero.File, size int64) error {
	osf, ok := f.(*os.File)
	if !ok {
		return ErrPreallocUnsupported
	}

	for {
		err := unix.Fallocate(int(osf.Fd()), 0, 0, size)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
			return ErrPreallocUnsupported
		case errors.Is(err, unix.ENOSPC):
			return ErrDiskFull
		default:
			return fmt.Errorf("fallocate %s: %w", f.Name(), err)
		}
	}
}
