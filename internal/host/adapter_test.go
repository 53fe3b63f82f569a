package host

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hara602/dualusb/internal/analysis"
	"github.com/Hara602/dualusb/internal/indicator"
	"github.com/Hara602/dualusb/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordNotifier struct {
	connected    int
	disconnected int
}

func (r *recordNotifier) NotifyHostDeviceConnected()    { r.connected++ }
func (r *recordNotifier) NotifyHostDeviceDisconnected() { r.disconnected++ }

type denyPolicy struct {
	reason string
	err    error
}

func (p denyPolicy) Allowed(uint16, uint16, string) (bool, string, error) {
	return p.reason == "", p.reason, p.err
}

type countActivity struct{ starts, ends int }

func (c *countActivity) IOStart() { c.starts++ }
func (c *countActivity) IOEnd()   { c.ends++ }

func attachEvent(mount string) model.USBEvent {
	return model.USBEvent{
		Action:       model.ActionAttach,
		DevicePath:   "/dev/sdb1",
		MountPoint:   mount,
		VendorID:     0x0781,
		ProductID:    0x5567,
		Serial:       "4C530001",
		Manufacturer: "SanDisk",
		Product:      "Cruzer Blade",
		DeviceType:   string(analysis.ClassUDisk),
		Sectors:      2048,
	}
}

func newAttached(t *testing.T, opts ...Option) (*Adapter, string, *indicator.Memory) {
	t.Helper()
	mount := t.TempDir()
	ind := indicator.NewMemory()
	a := New(ind, opts...)
	require.NoError(t, a.Attach(attachEvent(mount)))
	return a, mount, ind
}

func TestNotConnectedGate(t *testing.T) {
	a := New(indicator.NewMemory())

	_, err := a.ReadFile("/a.txt", make([]byte, 8))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.WriteFile("/a.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.ListFiles("/", 8)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.DeviceInfo()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, a.Eject(), ErrNotConnected)
	assert.NoError(t, a.Teardown())
}

func TestValidationBeforeGate(t *testing.T) {
	a := New(indicator.NewMemory())

	_, err := a.ReadFile("", make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.ReadFile("/a", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.WriteFile("/a", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.ListFiles("/", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.ListFiles("", 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAttachNotifiesAndReportsInfo(t *testing.T) {
	n := &recordNotifier{}
	a, mount, _ := newAttached(t, WithNotifier(n))
	assert.Equal(t, 1, n.connected)
	assert.True(t, a.Connected())

	info, err := a.DeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0781), info.VendorID)
	assert.Equal(t, uint64(2048), info.Sectors)
	assert.Equal(t, uint32(DefaultSectorSize), info.SectorSize)
	assert.Equal(t, "Cruzer Blade", info.Product)
	assert.Equal(t, mount, info.MountPoint)

	// 返回的是副本
	info.Product = "changed"
	again, _ := a.DeviceInfo()
	assert.Equal(t, "Cruzer Blade", again.Product)
}

func TestAttachSecondDriveBusy(t *testing.T) {
	a, _, _ := newAttached(t)
	ev := attachEvent(t.TempDir())
	ev.DevicePath = "/dev/sdc1"
	assert.ErrorIs(t, a.Attach(ev), ErrBusy)

	// 同一设备重复上报无副作用
	ev.DevicePath = "/dev/sdb1"
	assert.NoError(t, a.Attach(ev))
}

func TestAttachStringsTruncated(t *testing.T) {
	a := New(indicator.NewMemory())
	ev := attachEvent(t.TempDir())
	ev.Manufacturer = strings.Repeat("m", 100)
	ev.Product = strings.Repeat("é", 40) // 80 字节
	require.NoError(t, a.Attach(ev))

	info, err := a.DeviceInfo()
	require.NoError(t, err)
	assert.Len(t, info.Manufacturer, MaxStringLen)
	assert.Len(t, info.Product, 62)
	assert.True(t, strings.HasPrefix(ev.Product, info.Product))
}

func TestAttachRefusals(t *testing.T) {
	mount := t.TempDir()

	bad := attachEvent(mount)
	bad.DeviceType = string(analysis.ClassBadUSB)
	assert.ErrorIs(t, New(indicator.NewMemory()).Attach(bad), ErrDenied)

	a := New(indicator.NewMemory(), WithPolicy(denyPolicy{reason: "lost stick"}))
	err := a.Attach(attachEvent(mount))
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "lost stick")
	assert.False(t, a.Connected())

	boom := errors.New("db locked")
	a = New(indicator.NewMemory(), WithPolicy(denyPolicy{err: boom}))
	assert.ErrorIs(t, a.Attach(attachEvent(mount)), boom)

	a = New(indicator.NewMemory(), WithRoleGate(func() bool { return false }))
	assert.ErrorIs(t, a.Attach(attachEvent(mount)), ErrRoleDisabled)

	noMount := attachEvent("")
	assert.ErrorIs(t, New(indicator.NewMemory()).Attach(noMount), ErrInvalidArgument)
}

type recordDeauth struct {
	buses []string
	err   error
}

func (r *recordDeauth) deauthorize(busID string) error {
	r.buses = append(r.buses, busID)
	return r.err
}

func TestRefusedDeviceIsDeauthorized(t *testing.T) {
	mount := t.TempDir()
	d := &recordDeauth{}

	bad := attachEvent(mount)
	bad.BusID = "1-1.2"
	bad.DeviceType = string(analysis.ClassBadUSB)
	a := New(indicator.NewMemory(), WithDeauthorize(d.deauthorize))
	assert.ErrorIs(t, a.Attach(bad), ErrDenied)

	blocked := attachEvent(mount)
	blocked.BusID = "1-1.3"
	a = New(indicator.NewMemory(), WithPolicy(denyPolicy{reason: "blocked"}), WithDeauthorize(d.deauthorize))
	assert.ErrorIs(t, a.Attach(blocked), ErrDenied)
	assert.Equal(t, []string{"1-1.2", "1-1.3"}, d.buses)

	// 没有总线号时无法断开, 仍然拒绝
	blocked.BusID = ""
	assert.ErrorIs(t, a.Attach(blocked), ErrDenied)
	assert.Len(t, d.buses, 2)

	// 断开失败不影响拒绝结果
	d.err = errors.New("read-only sysfs")
	blocked.BusID = "1-1.4"
	assert.ErrorIs(t, a.Attach(blocked), ErrDenied)
	assert.False(t, a.Connected())

	// 允许接入的设备不会被断开
	ok := attachEvent(mount)
	ok.BusID = "1-1.5"
	a = New(indicator.NewMemory(), WithDeauthorize(d.deauthorize))
	require.NoError(t, a.Attach(ok))
	assert.Equal(t, []string{"1-1.2", "1-1.3", "1-1.4"}, d.buses)
}

func TestWriteReadList(t *testing.T) {
	act := &countActivity{}
	a, mount, _ := newAttached(t, WithActivity(act))

	n, err := a.WriteFile("/docs/../hello.txt", []byte("hello drive"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	b, err := os.ReadFile(filepath.Join(mount, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello drive", string(b))

	buf := make([]byte, 64)
	n, err = a.ReadFile("hello.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, "hello drive", string(buf[:n]))

	// buf 小于文件时读满 buf
	small := make([]byte, 5)
	n, err = a.ReadFile("/hello.txt", small)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(small))

	require.NoError(t, os.Mkdir(filepath.Join(mount, "photos"), 0755))
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d}
	require.NoError(t, os.WriteFile(filepath.Join(mount, "photos", "cat.png"), png, 0644))

	entries, err := a.ListFiles("/", 16)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, FileEntry{Name: "hello.txt", Size: 11, Kind: "unknown"}, entries[0])
	assert.Equal(t, "photos", entries[1].Name)
	assert.True(t, entries[1].Dir)

	entries, err = a.ListFiles("/photos", 16)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "png", entries[0].Kind)

	entries, err = a.ListFiles("/", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, os.Mkdir(filepath.Join(mount, "empty"), 0755))
	entries, err = a.ListFiles("/empty", 4)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, act.starts, act.ends)
	assert.Positive(t, act.starts)
}

func TestPathsConfinedToMount(t *testing.T) {
	a, mount, _ := newAttached(t)
	outside := filepath.Join(filepath.Dir(mount), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))
	t.Cleanup(func() { os.Remove(outside) })

	// ".." 被折叠到挂载点根目录
	_, err := a.ReadFile("../outside.txt", make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.Symlink(outside, filepath.Join(mount, "link")))
	_, err = a.ReadFile("/link", make([]byte, 8))
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	a, _, _ := newAttached(t)
	_, err := a.ReadFile("/nope.bin", make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEject(t *testing.T) {
	n := &recordNotifier{}
	a, _, ind := newAttached(t, WithNotifier(n))
	ind.SetState(indicator.Busy)

	require.NoError(t, a.Eject())
	assert.False(t, a.Connected())
	// 指示灯交给通知对象刷新
	assert.Equal(t, indicator.Busy, ind.State())
	assert.Equal(t, 1, n.disconnected)

	_, err := a.ReadFile("/a", make([]byte, 4))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, a.Eject(), ErrNotConnected)
	assert.Equal(t, 1, n.disconnected)
}

func TestEjectWithoutNotifierSetsIdle(t *testing.T) {
	a, _, ind := newAttached(t)
	ind.SetState(indicator.Busy)
	require.NoError(t, a.Eject())
	assert.Equal(t, indicator.Idle, ind.State())
}

func TestHandleEventDetach(t *testing.T) {
	n := &recordNotifier{}
	a := New(indicator.NewMemory(), WithNotifier(n))
	require.NoError(t, a.HandleEvent(attachEvent(t.TempDir())))

	// 其他设备的拔出不影响当前设备
	require.NoError(t, a.HandleEvent(model.USBEvent{Action: model.ActionDetach, DevicePath: "/dev/sdz1"}))
	assert.True(t, a.Connected())

	require.NoError(t, a.HandleEvent(model.USBEvent{Action: model.ActionDetach, DevicePath: "/dev/sdb1"}))
	assert.False(t, a.Connected())
	assert.Equal(t, 1, n.disconnected)

	assert.ErrorIs(t, a.HandleEvent(model.USBEvent{Action: "change"}), ErrInvalidArgument)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))
	assert.Len(t, truncate(strings.Repeat("x", 64)), MaxStringLen)
	assert.Equal(t, ".", rel("/"))
	assert.Equal(t, "a/b", rel("/a/./b"))
	assert.Equal(t, "b", rel("../../b"))
}
