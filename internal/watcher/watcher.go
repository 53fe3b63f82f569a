// Package watcher 插拔事件源: 主机角色的外接设备 (udev / 媒体目录) 和设备角色的总线状态 (UDC)
package watcher

import (
	"errors"
	"time"

	"github.com/Hara602/dualusb/internal/model"
	"go.uber.org/zap"
)

var ErrUnsupported = errors.New("event source not supported on this platform")

// DeviceWatcher 外接设备事件源
type DeviceWatcher interface {
	Start() (<-chan model.USBEvent, error)
	// Rescan 重新上报当前已接入的设备, 主机角色重新启用时调用
	Rescan()
	Stop()
}

// BusWatcher 设备角色的总线事件源
type BusWatcher interface {
	Start() (<-chan model.BusEvent, error)
	Stop()
}

const (
	DefaultSysRoot      = "/sys"
	DefaultMountTimeout = 5 * time.Second
)

type options struct {
	log          *zap.Logger
	sysRoot      string
	mountTimeout time.Duration
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSysRoot sysfs 根目录
func WithSysRoot(root string) Option {
	return func(o *options) { o.sysRoot = root }
}

// WithMountTimeout 分区出现后等待挂载的时间
func WithMountTimeout(d time.Duration) Option {
	return func(o *options) { o.mountTimeout = d }
}

func buildOptions(opts []Option) options {
	o := options{
		log:          zap.NewNop(),
		sysRoot:      DefaultSysRoot,
		mountTimeout: DefaultMountTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New udev 事件源
func New(opts ...Option) DeviceWatcher {
	return newWatcher(buildOptions(opts))
}
