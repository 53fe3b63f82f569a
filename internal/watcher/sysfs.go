package watcher

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Hara602/dualusb/internal/analysis"
	"github.com/Hara602/dualusb/internal/model"
)

// findUSBRoot 向上查找包含 idVendor 的目录 (USB 设备根目录)
func findUSBRoot(path string) (string, bool) {
	dir := path
	for i := 0; i < 10; i++ {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, true
		}
	}
	return path, false
}

func readAttr(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func readHex16(path string) uint16 {
	v, err := strconv.ParseUint(readAttr(path), 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// blockSectors /sys/class/block/<dev>/size 以 512 字节为单位
func blockSectors(sysRoot, devName string) uint64 {
	v, err := strconv.ParseUint(readAttr(filepath.Join(sysRoot, "class", "block", devName, "size")), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// describe 从 sysfs 采集块设备所在 USB 设备的信息. 不在 USB 总线上时 ok 为 false.
func describe(sysRoot, devPath string) (model.USBEvent, bool) {
	devName := filepath.Base(devPath)
	target, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "class", "block", devName))
	if err != nil {
		return model.USBEvent{}, false
	}
	usbRoot, ok := findUSBRoot(target)
	if !ok {
		return model.USBEvent{}, false
	}
	_, class := analysis.CheckBadUSB(usbRoot)
	return model.USBEvent{
		DevicePath:   devPath,
		BusID:        filepath.Base(usbRoot),
		VendorID:     readHex16(filepath.Join(usbRoot, "idVendor")),
		ProductID:    readHex16(filepath.Join(usbRoot, "idProduct")),
		Serial:       readAttr(filepath.Join(usbRoot, "serial")),
		Manufacturer: readAttr(filepath.Join(usbRoot, "manufacturer")),
		Product:      readAttr(filepath.Join(usbRoot, "product")),
		DeviceType:   string(class),
		Sectors:      blockSectors(sysRoot, devName),
		SectorSize:   512,
	}, true
}

func devNode(name string) string {
	if strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
