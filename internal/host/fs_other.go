//go:build !linux

package host

import "errors"

func fsSectors(string, uint32) uint64 { return 0 }

func unmount(string) error {
	return errors.New("unmount not supported on this platform")
}
