package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/dualusb/internal/analysis"
	"github.com/Hara602/dualusb/internal/model"
	"github.com/Hara602/dualusb/internal/sysutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSysfs 构造 /sys/devices/.../1-1 下带一个分区的 U 盘, 以及 class/block 链接
func fakeSysfs(t *testing.T, classes ...string) string {
	t.Helper()
	root := t.TempDir()
	usb := filepath.Join(root, "devices", "pci0000:00", "usb1", "1-1")
	part := filepath.Join(usb, "1-1:1.0", "host2", "target2:0:0", "2:0:0:0", "block", "sdb", "sdb1")
	require.NoError(t, os.MkdirAll(part, 0755))

	attrs := map[string]string{
		"idVendor":     "0781\n",
		"idProduct":    "5567\n",
		"serial":       "4C530001\n",
		"manufacturer": "SanDisk\n",
		"product":      "Cruzer Blade\n",
	}
	for name, v := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(usb, name), []byte(v), 0644))
	}
	for i, c := range classes {
		dir := filepath.Join(usb, "1-1:1."+string(rune('0'+i)))
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bInterfaceClass"), []byte(c+"\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(part, "size"), []byte("30031872\n"), 0644))

	classBlock := filepath.Join(root, "class", "block")
	require.NoError(t, os.MkdirAll(classBlock, 0755))
	require.NoError(t, os.Symlink(part, filepath.Join(classBlock, "sdb1")))
	return root
}

func TestDescribe(t *testing.T) {
	root := fakeSysfs(t, analysis.ClassStorage)

	ev, ok := describe(root, "/dev/sdb1")
	require.True(t, ok)
	assert.Equal(t, "/dev/sdb1", ev.DevicePath)
	assert.Equal(t, "1-1", ev.BusID)
	assert.Equal(t, uint16(0x0781), ev.VendorID)
	assert.Equal(t, uint16(0x5567), ev.ProductID)
	assert.Equal(t, "4C530001", ev.Serial)
	assert.Equal(t, "SanDisk", ev.Manufacturer)
	assert.Equal(t, "Cruzer Blade", ev.Product)
	assert.Equal(t, string(analysis.ClassUDisk), ev.DeviceType)
	assert.Equal(t, uint64(30031872), ev.Sectors)

	_, ok = describe(root, "/dev/nvme0n1p1")
	assert.False(t, ok)
}

func TestDescribeBadUSB(t *testing.T) {
	root := fakeSysfs(t, analysis.ClassStorage, analysis.ClassHID)
	ev, ok := describe(root, "/dev/sdb1")
	require.True(t, ok)
	assert.Equal(t, string(analysis.ClassBadUSB), ev.DeviceType)
}

func TestDevNode(t *testing.T) {
	assert.Equal(t, "/dev/sdb1", devNode("sdb1"))
	assert.Equal(t, "/dev/sdb1", devNode("/dev/sdb1"))
}

func nextUSB(t *testing.T, ch <-chan model.USBEvent) model.USBEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.USBEvent{}
}

func TestMediaWatcher(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "OLD")
	require.NoError(t, os.Mkdir(existing, 0755))

	useMounts(t, "")
	m := NewMedia(root, WithSysRoot(t.TempDir()), WithMountTimeout(50*time.Millisecond))
	events, err := m.Start()
	require.NoError(t, err)
	defer m.Stop()

	ev := nextUSB(t, events)
	assert.Equal(t, model.ActionAttach, ev.Action)
	assert.Equal(t, existing, ev.MountPoint)
	assert.Equal(t, existing, ev.DevicePath)

	drive := filepath.Join(root, "DRIVE")
	require.NoError(t, os.Mkdir(drive, 0755))
	ev = nextUSB(t, events)
	assert.Equal(t, model.ActionAttach, ev.Action)
	assert.Equal(t, drive, ev.MountPoint)
	assert.Equal(t, uint32(512), ev.SectorSize)

	require.NoError(t, os.Remove(drive))
	ev = nextUSB(t, events)
	assert.Equal(t, model.ActionDetach, ev.Action)
	assert.Equal(t, drive, ev.DevicePath)
}

// useMounts 把挂载表替换为临时文件, 返回其路径
func useMounts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	orig := sysutil.MountsFile
	sysutil.MountsFile = path
	t.Cleanup(func() { sysutil.MountsFile = orig })
	return path
}

func TestMediaWatcherWaitsForMount(t *testing.T) {
	sys := fakeSysfs(t, analysis.ClassStorage)
	mounts := useMounts(t, "sysfs /sys sysfs rw 0 0\n")
	root := t.TempDir()

	m := NewMedia(root, WithSysRoot(sys), WithMountTimeout(5*time.Second))
	events, err := m.Start()
	require.NoError(t, err)
	defer m.Stop()

	drive := filepath.Join(root, "DRIVE")
	require.NoError(t, os.Mkdir(drive, 0755))
	select {
	case ev := <-events:
		t.Fatalf("attach reported before mount: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(mounts, []byte("/dev/sdb1 "+drive+" vfat rw 0 0\n"), 0o644))
	ev := nextUSB(t, events)
	assert.Equal(t, model.ActionAttach, ev.Action)
	assert.Equal(t, "/dev/sdb1", ev.DevicePath)
	assert.Equal(t, drive, ev.MountPoint)
	assert.Equal(t, "1-1", ev.BusID)
	assert.Equal(t, uint16(0x0781), ev.VendorID)
}

func TestMediaWatcherDirectoryGoneBeforeMount(t *testing.T) {
	useMounts(t, "")
	root := t.TempDir()
	m := NewMedia(root, WithMountTimeout(200*time.Millisecond))
	events, err := m.Start()
	require.NoError(t, err)
	defer m.Stop()

	drive := filepath.Join(root, "DRIVE")
	require.NoError(t, os.Mkdir(drive, 0755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(drive))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMediaWatcherRescan(t *testing.T) {
	useMounts(t, "")
	root := t.TempDir()
	drive := filepath.Join(root, "DRIVE")
	require.NoError(t, os.Mkdir(drive, 0755))

	m := NewMedia(root)
	events, err := m.Start()
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, drive, nextUSB(t, events).MountPoint)

	// 主机角色重新启用后, 已接入的设备再报一次
	m.Rescan()
	ev := nextUSB(t, events)
	assert.Equal(t, model.ActionAttach, ev.Action)
	assert.Equal(t, drive, ev.MountPoint)
}

func TestMediaWatcherMissingRoot(t *testing.T) {
	m := NewMedia(filepath.Join(t.TempDir(), "missing"))
	_, err := m.Start()
	assert.Error(t, err)
}

func TestUDCPoller(t *testing.T) {
	root := t.TempDir()
	udc := filepath.Join(root, "fe980000.usb")
	require.NoError(t, os.MkdirAll(udc, 0755))
	state := filepath.Join(udc, "state")
	require.NoError(t, os.WriteFile(state, []byte("not attached\n"), 0644))

	p := NewUDCPoller(root, "", 10*time.Millisecond, nil)
	events, err := p.Start()
	require.NoError(t, err)
	defer p.Stop()
	assert.Equal(t, "fe980000.usb", p.UDC())

	assert.False(t, p.Attached())
	require.NoError(t, os.WriteFile(state, []byte("configured\n"), 0644))
	assert.True(t, p.Attached())
	select {
	case ev := <-events:
		assert.True(t, ev.Attached)
		assert.Equal(t, "fe980000.usb", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no attach event")
	}

	require.NoError(t, os.WriteFile(state, []byte("suspended\n"), 0644))
	select {
	case ev := <-events:
		assert.False(t, ev.Attached)
	case <-time.After(2 * time.Second):
		t.Fatal("no detach event")
	}
}

func TestUDCPollerNoController(t *testing.T) {
	_, err := NewUDCPoller(t.TempDir(), "", 0, nil).Start()
	assert.ErrorIs(t, err, ErrNoUDC)

	_, err = NewUDCPoller(t.TempDir(), "missing.usb", 0, nil).Start()
	assert.Error(t, err)
}
