// Package config 运行时配置
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Hara602/dualusb/internal/mode"
	"go.uber.org/zap/zapcore"
)

// 主机角色事件源
const (
	SourceUdev  = "udev"
	SourceMedia = "media"
	SourceNone  = "none"
)

type Config struct {
	ImagePath       string // 设备角色的后备镜像
	ImageSize       int64  // 字节, 扇区大小的整数倍
	FormatIfMissing bool

	LEDName string // /sys/class/leds 下的名称, 为空时只记日志

	HostSource     string // udev | media | none
	MediaRoot      string
	MountTimeout   time.Duration
	UnmountOnEject bool

	UDC         string // 为空时取第一个控制器
	UDCRoot     string
	UDCInterval time.Duration
	WatchUDC    bool

	PolicyDB      string
	RequireSerial bool
	Deauthorize   bool // 被拒绝的外接设备从总线上断开

	Listen string // 为空时不启动 HTTP

	LockTimeout   time.Duration
	Period        time.Duration
	ActivityPoll  time.Duration
	ActivityDecay time.Duration

	InitialMode string
	LogLevel    string
}

func Default() Config {
	return Config{
		ImagePath:       "/var/lib/dualusb/storage.img",
		ImageSize:       64 << 20,
		FormatIfMissing: true,
		HostSource:      SourceUdev,
		MediaRoot:       "/media",
		MountTimeout:    5 * time.Second,
		UDCRoot:         "/sys/class/udc",
		UDCInterval:     500 * time.Millisecond,
		WatchUDC:        true,
		PolicyDB:        "/var/lib/dualusb/policy.db",
		Deauthorize:     true,
		Listen:          "127.0.0.1:8686",
		LockTimeout:     100 * time.Millisecond,
		Period:          500 * time.Millisecond,
		ActivityPoll:    100 * time.Millisecond,
		ActivityDecay:   500 * time.Millisecond,
		InitialMode:     mode.DualAuto.String(),
		LogLevel:        "info",
	}
}

const sectorSize = 512

// Validate 检查配置, 返回所有问题
func (c Config) Validate() error {
	var errs []error
	if c.ImagePath == "" {
		errs = append(errs, errors.New("image path is empty"))
	}
	if c.ImageSize <= 0 || c.ImageSize%sectorSize != 0 {
		errs = append(errs, fmt.Errorf("image size %d is not a positive multiple of %d", c.ImageSize, sectorSize))
	}
	switch c.HostSource {
	case SourceUdev, SourceNone:
	case SourceMedia:
		if c.MediaRoot == "" {
			errs = append(errs, errors.New("media source needs a media root"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown host source %q", c.HostSource))
	}
	for name, d := range map[string]time.Duration{
		"lock timeout":   c.LockTimeout,
		"period":         c.Period,
		"activity poll":  c.ActivityPoll,
		"activity decay": c.ActivityDecay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ActivityDecay < c.ActivityPoll {
		errs = append(errs, errors.New("activity decay shorter than poll interval"))
	}
	if _, err := mode.ParseMode(c.InitialMode); err != nil {
		errs = append(errs, fmt.Errorf("initial mode: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// Mode 解析后的初始模式
func (c Config) Mode() mode.Mode {
	m, err := mode.ParseMode(c.InitialMode)
	if err != nil {
		return mode.DeviceOnly
	}
	return m
}
