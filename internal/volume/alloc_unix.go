//go:build unix

package volume

import "golang.org/x/sys/unix"

// allocatedBytes 文件实际占用的磁盘字节数 (st_blocks 以 512 字节为单位)
func allocatedBytes(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Blocks) * 512, nil
}
