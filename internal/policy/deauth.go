package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

// SysfsUSBDevices sysfs 中 USB 设备目录
var SysfsUSBDevices = "/sys/bus/usb/devices"

// Deauthorize 通过 sysfs 在总线层面禁用设备.
// busID 形如 "1-1.2", 即 sysfs 中 USB 设备的目录名.
func Deauthorize(busID string) error {
	if busID == "" || filepath.Base(busID) != busID {
		return fmt.Errorf("invalid bus id %q", busID)
	}
	path := filepath.Join(SysfsUSBDevices, busID, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		return fmt.Errorf("deauthorize %s: %w", busID, err)
	}
	return nil
}
