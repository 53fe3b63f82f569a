//go:build !unix

package volume

import "os"

// 无法得知稀疏文件的占用, 按全部已分配处理
func allocatedBytes(path string) (uint64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(st.Size()), nil
}
