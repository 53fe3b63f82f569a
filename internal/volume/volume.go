// Package volume 设备角色的后备存储: 按字节寻址的磁盘镜像
package volume

import (
	"errors"
	"io"
)

var (
	ErrNotMounted = errors.New("volume not mounted")
	ErrMounted    = errors.New("volume already mounted")
	ErrNoImage    = errors.New("volume image missing")
)

// Handle 打开的卷句柄
type Handle interface {
	io.ReadWriteSeeker
	Sync() error
	Close() error
}

// Volume 块 I/O 适配器使用的后备卷
type Volume interface {
	// Open 以 os.O_RDONLY / os.O_WRONLY / os.O_RDWR 打开卷
	Open(flag int) (Handle, error)
	// Stats 返回总字节数和空闲字节数
	Stats() (total, free uint64, err error)
}

// Lifecycle 进程启动和退出时的挂载管理
type Lifecycle interface {
	Mount() error
	Unmount() error
	Remount() error
}
