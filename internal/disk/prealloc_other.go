//go:build !linux

package disk

import "github.com/spf13/afero"

func Fallocate(f afero.File, size int64) error {
	return ErrPreallocUnsupported
}
