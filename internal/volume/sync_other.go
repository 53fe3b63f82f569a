//go:build !linux

package volume

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
