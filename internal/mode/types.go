// Package mode 双角色 USB 模式仲裁: 模式 (操作者意图) + 状态 (由模式和连接标志推导)
package mode

import (
	"fmt"
	"strings"
	"time"
)

// Mode 操作者选择的 USB 角色配置
type Mode int

const (
	DeviceOnly Mode = iota
	HostOnly
	DualAuto
	DualManual
)

var modeNames = map[Mode]string{
	DeviceOnly: "device-only",
	HostOnly:   "host-only",
	DualAuto:   "dual-auto",
	DualManual: "dual-manual",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// Dual 是否允许两个角色同时连接
func (m Mode) Dual() bool {
	return m == DualAuto || m == DualManual
}

// Allows 该模式下角色是否启用
func (m Mode) Allows(r Role) bool {
	switch m {
	case DeviceOnly:
		return r == RoleDevice
	case HostOnly:
		return r == RoleHost
	default:
		return m.Dual()
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	p, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = p
	return nil
}

// ParseMode 解析 "device-only" / "host-only" / "dual-auto" / "dual-manual"
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return DeviceOnly, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// State 观察到的运行状态
type State int

const (
	Idle State = iota
	DeviceActive
	HostActive
	Switching
	Error
)

// String 固定的可读标签, 永不为空
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case DeviceActive:
		return "Device Mode"
	case HostActive:
		return "Host Mode"
	case Switching:
		return "Switching..."
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role USB 角色
type Role int

const (
	RoleDevice Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "device"
}

// ParseRole 解析 "device" / "host"
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "device":
		return RoleDevice, nil
	case "host":
		return RoleHost, nil
	}
	return RoleDevice, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	p, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = p
	return nil
}

func (r Role) active() State {
	if r == RoleHost {
		return HostActive
	}
	return DeviceActive
}

// Status 控制器状态快照 (值拷贝)
type Status struct {
	Mode            Mode      `json:"mode"`
	State           State     `json:"state"`
	DeviceConnected bool      `json:"device_connected"`
	HostConnected   bool      `json:"host_connected"`
	ModeSwitchCount uint32    `json:"mode_switch_count"`
	LastSwitchTime  time.Time `json:"last_switch_time"`
	SelectedRole    Role      `json:"selected_role"`
	FaultReason     string    `json:"fault_reason,omitempty"`
}
