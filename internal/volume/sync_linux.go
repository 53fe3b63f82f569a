//go:build linux

package volume

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile 只刷数据和必要的元数据
func syncFile(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		if err == unix.EINVAL || err == unix.ENOTSUP {
			return f.Sync()
		}
		return err
	}
	return nil
}
