package indicator

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Pin 指示灯输出
type Pin interface {
	Set(on bool) error
}

// SysfsPin 通过 /sys/class/leds/<name>/brightness 控制 LED
type SysfsPin struct {
	path string
}

func NewSysfsPin(root, name string) *SysfsPin {
	if root == "" {
		root = "/sys/class/leds"
	}
	return &SysfsPin{path: filepath.Join(root, name, "brightness")}
}

func (p *SysfsPin) Set(on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	if err := os.WriteFile(p.path, v, 0644); err != nil {
		return fmt.Errorf("write %s: %w", p.path, err)
	}
	return nil
}

// LogPin 没有物理 LED 时, 把亮灭写入 debug 日志
type LogPin struct {
	Log *zap.Logger
}

func (p LogPin) Set(on bool) error {
	if p.Log != nil {
		p.Log.Debug("led", zap.Bool("on", on))
	}
	return nil
}
