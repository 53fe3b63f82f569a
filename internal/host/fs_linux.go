package host

import "golang.org/x/sys/unix"

// fsSectors 由文件系统容量估算扇区数
func fsSectors(mount string, sectorSize uint32) uint64 {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil || sectorSize == 0 {
		return 0
	}
	return st.Blocks * uint64(st.Bsize) / uint64(sectorSize)
}

func unmount(mount string) error {
	return unix.Unmount(mount, 0)
}
