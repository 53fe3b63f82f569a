package analysis

import (
	"os"
	"path/filepath"
	"strings"
)

// USB 接口类代码
const (
	ClassHID     = "03"
	ClassStorage = "08"
)

// DeviceClass 设备的分类结果
type DeviceClass string

const (
	ClassBadUSB  DeviceClass = "BADUSB_SUSPECT" // 同时声明存储和 HID 接口
	ClassUDisk   DeviceClass = "udisk"
	ClassOther   DeviceClass = "other"
	ClassUnknown DeviceClass = "unknown"
)

// InterfaceClasses 读取 sysPath 下各接口目录 (如 1-1:1.0) 的 bInterfaceClass
func InterfaceClasses(sysPath string) ([]string, error) {
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return nil, err
	}
	var classes []string
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(sysPath, e.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		classes = append(classes, strings.TrimSpace(string(content)))
	}
	return classes, nil
}

// Classify 存储接口和 HID 接口同时存在即判定为 BadUSB
func Classify(classes []string) DeviceClass {
	var storage, hid bool
	for _, c := range classes {
		switch c {
		case ClassHID:
			hid = true
		case ClassStorage:
			storage = true
		}
	}
	switch {
	case storage && hid:
		return ClassBadUSB
	case storage:
		return ClassUDisk
	}
	return ClassOther
}

// CheckBadUSB 对 sysfs 中的 USB 设备目录做分类
func CheckBadUSB(sysPath string) (bool, DeviceClass) {
	classes, err := InterfaceClasses(sysPath)
	if err != nil {
		return false, ClassUnknown
	}
	c := Classify(classes)
	return c == ClassBadUSB, c
}
