package model

import "time"

// Action 插拔动作
type Action string

const (
	ActionAttach Action = "add"
	ActionDetach Action = "remove"
)

// USBEvent 外接 U 盘插拔事件 (主机角色)
type USBEvent struct {
	Action       Action
	DevicePath   string // e.g., /dev/sdb1
	BusID        string // sysfs USB 设备名, e.g., 1-1.2; 未知为空
	MountPoint   string // e.g., /media/usb
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
	DeviceType   string // "udisk", "BADUSB_SUSPECT", "other"
	Sectors      uint64 // 总扇区数, 未知为 0
	SectorSize   uint32
	TimeStamp    time.Time
}

// BusEvent 设备角色的总线事件: 主机电脑连接/断开本设备
type BusEvent struct {
	Attached  bool
	Source    string // e.g., UDC 名称
	TimeStamp time.Time
}
