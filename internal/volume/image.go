package volume

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Image 以稀疏文件作为卷的实现
type Image struct {
	path   string
	size   int64
	format bool // 镜像缺失时是否创建 (格式化)
	log    *zap.Logger

	mu      sync.RWMutex
	mounted bool
}

type ImageOption func(*Image)

// WithFormatIfMissing 镜像不存在时创建一个全零镜像
func WithFormatIfMissing(format bool) ImageOption {
	return func(i *Image) { i.format = format }
}

func WithLogger(log *zap.Logger) ImageOption {
	return func(i *Image) { i.log = log }
}

// NewImage size 为镜像字节数, 必须是 sectorSize 的整数倍
func NewImage(path string, size int64, opts ...ImageOption) *Image {
	i := &Image{
		path:   path,
		size:   size,
		format: true,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Image) Path() string { return i.path }

// Mount 挂载镜像, 首次启动时按需格式化
func (i *Image) Mount() error {
	return i.mount(i.format)
}

// Remount 重新挂载, 不格式化
// 已挂载时返回 nil
func (i *Image) Remount() error {
	if err := i.mount(false); err != nil && !errors.Is(err, ErrMounted) {
		return err
	}
	return nil
}

func (i *Image) mount(format bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.mounted {
		return ErrMounted
	}

	st, err := os.Stat(i.path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && format:
		if err := i.create(); err != nil {
			return err
		}
		i.log.Info("Formatted volume image", zap.String("path", i.path), zap.Int64("size", i.size))
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNoImage, i.path)
	case err != nil:
		return fmt.Errorf("stat image: %w", err)
	case st.IsDir():
		return fmt.Errorf("image %s is a directory", i.path)
	default:
		// 已有镜像以实际大小为准
		i.size = st.Size()
	}

	i.mounted = true
	i.log.Info("Volume mounted", zap.String("path", i.path), zap.Int64("size", i.size))
	return nil
}

func (i *Image) create() error {
	if i.size <= 0 {
		return fmt.Errorf("invalid image size %d", i.size)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	f, err := os.OpenFile(i.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	// Truncate 得到稀疏文件, 未写入区域读出为零
	if err := f.Truncate(i.size); err != nil {
		f.Close()
		return fmt.Errorf("size image: %w", err)
	}
	if err := syncFile(f); err != nil {
		f.Close()
		return fmt.Errorf("sync image: %w", err)
	}
	return f.Close()
}

// Unmount 卸载; 之后 Open 返回 ErrNotMounted
func (i *Image) Unmount() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.mounted {
		return nil
	}
	i.mounted = false
	i.log.Info("Volume unmounted", zap.String("path", i.path))
	return nil
}

func (i *Image) Mounted() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.mounted
}

// Open 打开镜像. 不允许创建或截断.
func (i *Image) Open(flag int) (Handle, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.mounted {
		return nil, ErrNotMounted
	}
	flag &^= os.O_CREATE | os.O_TRUNC | os.O_APPEND
	f, err := os.OpenFile(i.path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &imageHandle{File: f}, nil
}

// Stats total 为镜像大小, free 为稀疏镜像中尚未分配的字节数
func (i *Image) Stats() (total, free uint64, err error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.mounted {
		return 0, 0, ErrNotMounted
	}
	allocated, err := allocatedBytes(i.path)
	if err != nil {
		return 0, 0, fmt.Errorf("stat image: %w", err)
	}
	total = uint64(i.size)
	if allocated < total {
		free = total - allocated
	}
	return total, free, nil
}

type imageHandle struct {
	*os.File
}

// Sync 数据落盘
func (h *imageHandle) Sync() error {
	return syncFile(h.File)
}
