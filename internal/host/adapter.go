// Package host 主机角色适配器: 以文件路径为粒度访问外接 U 盘
package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/Hara602/dualusb/internal/analysis"
	"github.com/Hara602/dualusb/internal/indicator"
	"github.com/Hara602/dualusb/internal/model"
	"go.uber.org/zap"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotConnected    = errors.New("no external drive connected")
	ErrDenied          = errors.New("external drive denied")
	ErrBusy            = errors.New("another external drive is already attached")
	ErrRoleDisabled    = errors.New("host role disabled by current mode")
)

const (
	// MaxStringLen 设备字符串的最大字节数
	MaxStringLen = 63
	// DefaultSectorSize 未上报扇区大小时的默认值
	DefaultSectorSize = 512
)

// DeviceInfo 外接设备信息, 返回给调用方的总是副本
type DeviceInfo struct {
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	Sectors      uint64 `json:"sectors"`
	SectorSize   uint32 `json:"sector_size"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial"`
	DevicePath   string `json:"device_path"`
	MountPoint   string `json:"mount_point"`
}

// FileEntry ListFiles 的一项
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Dir  bool   `json:"dir"`
	Kind string `json:"kind,omitempty"` // 由文件头识别的类型, 目录为空
}

// Policy 设备准入策略
type Policy interface {
	Allowed(vid, pid uint16, serial string) (bool, string, error)
}

type Activity interface {
	IOStart()
	IOEnd()
}

// Notifier 主机角色的连接通知 (由模式控制器实现)
type Notifier interface {
	NotifyHostDeviceConnected()
	NotifyHostDeviceDisconnected()
}

type Adapter struct {
	ind       indicator.Indicator
	act       Activity
	notifier  Notifier
	policy    Policy
	inspector *analysis.Inspector
	enabled   func() bool
	deauth    func(busID string) error
	unmount   bool
	log       *zap.Logger

	// 文件操作持有读锁, 弹出需要等待进行中的操作结束
	mu        sync.RWMutex
	connected bool
	info      DeviceInfo
	root      *os.Root
}

type Option func(*Adapter)

func WithActivity(act Activity) Option {
	return func(a *Adapter) { a.act = act }
}

func WithNotifier(n Notifier) Option {
	return func(a *Adapter) { a.notifier = n }
}

func WithPolicy(p Policy) Option {
	return func(a *Adapter) { a.policy = p }
}

// WithRoleGate 返回 false 时拒绝新的外接设备
func WithRoleGate(enabled func() bool) Option {
	return func(a *Adapter) { a.enabled = enabled }
}

// WithUnmountOnEject 弹出时同时卸载文件系统
func WithUnmountOnEject(on bool) Option {
	return func(a *Adapter) { a.unmount = on }
}

// WithDeauthorize 拒绝接入时按总线号把设备从总线上断开
func WithDeauthorize(fn func(busID string) error) Option {
	return func(a *Adapter) { a.deauth = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

func New(ind indicator.Indicator, opts ...Option) *Adapter {
	a := &Adapter{
		ind:       ind,
		act:       nopActivity{},
		inspector: analysis.NewInspector(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleEvent 处理事件源上报的插拔事件
func (a *Adapter) HandleEvent(ev model.USBEvent) error {
	switch ev.Action {
	case model.ActionAttach:
		return a.Attach(ev)
	case model.ActionDetach:
		a.Detach(ev.DevicePath)
		return nil
	}
	return fmt.Errorf("%w: action %q", ErrInvalidArgument, ev.Action)
}

// Attach 接入一个已挂载的外接设备
func (a *Adapter) Attach(ev model.USBEvent) error {
	if ev.MountPoint == "" {
		return fmt.Errorf("%w: %s has no mount point", ErrInvalidArgument, ev.DevicePath)
	}
	if a.enabled != nil && !a.enabled() {
		return ErrRoleDisabled
	}
	if ev.DeviceType == string(analysis.ClassBadUSB) {
		a.log.Warn("⚠️ Refusing BadUSB suspect",
			zap.String("dev", ev.DevicePath),
			zap.String("vid", fmt.Sprintf("%04x", ev.VendorID)),
			zap.String("pid", fmt.Sprintf("%04x", ev.ProductID)))
		a.deauthorize(ev)
		return fmt.Errorf("%w: mass storage with HID interface", ErrDenied)
	}
	if a.policy != nil {
		ok, reason, err := a.policy.Allowed(ev.VendorID, ev.ProductID, ev.Serial)
		if err != nil {
			return fmt.Errorf("policy check: %w", err)
		}
		if !ok {
			a.log.Warn("🚫 External drive blocked by policy",
				zap.String("dev", ev.DevicePath), zap.String("reason", reason))
			a.deauthorize(ev)
			return fmt.Errorf("%w: %s", ErrDenied, reason)
		}
	}

	root, err := os.OpenRoot(ev.MountPoint)
	if err != nil {
		return fmt.Errorf("open mount point: %w", err)
	}

	info := DeviceInfo{
		VendorID:     ev.VendorID,
		ProductID:    ev.ProductID,
		Sectors:      ev.Sectors,
		SectorSize:   ev.SectorSize,
		Manufacturer: truncate(ev.Manufacturer),
		Product:      truncate(ev.Product),
		Serial:       truncate(ev.Serial),
		DevicePath:   ev.DevicePath,
		MountPoint:   ev.MountPoint,
	}
	if info.SectorSize == 0 {
		info.SectorSize = DefaultSectorSize
	}
	if info.Sectors == 0 {
		info.Sectors = fsSectors(ev.MountPoint, info.SectorSize)
	}

	a.mu.Lock()
	if a.connected {
		same := a.info.DevicePath == ev.DevicePath
		a.mu.Unlock()
		root.Close()
		if same {
			return nil
		}
		return ErrBusy
	}
	a.connected = true
	a.info = info
	a.root = root
	a.mu.Unlock()

	a.log.Info("🔌 External drive attached",
		zap.String("dev", info.DevicePath),
		zap.String("mount", info.MountPoint),
		zap.String("product", info.Product),
		zap.Uint64("sectors", info.Sectors))
	if a.notifier != nil {
		a.notifier.NotifyHostDeviceConnected()
	}
	return nil
}

// deauthorize 拒绝接入的设备不再留在总线上; 失败只记录
func (a *Adapter) deauthorize(ev model.USBEvent) {
	if a.deauth == nil || ev.BusID == "" {
		return
	}
	if err := a.deauth(ev.BusID); err != nil {
		a.log.Error("Failed to deauthorize device", zap.String("bus", ev.BusID), zap.Error(err))
		return
	}
	a.log.Warn("🔒 Device deauthorized", zap.String("bus", ev.BusID), zap.String("dev", ev.DevicePath))
}

// Detach 设备被拔出. devPath 为空时断开当前设备.
func (a *Adapter) Detach(devPath string) {
	a.mu.Lock()
	if !a.connected || (devPath != "" && devPath != a.info.DevicePath) {
		a.mu.Unlock()
		return
	}
	a.release()
	a.mu.Unlock()

	a.log.Info("External drive detached", zap.String("dev", devPath))
	if a.notifier != nil {
		a.notifier.NotifyHostDeviceDisconnected()
	}
}

// Eject 安全弹出: 等待进行中的操作, 可选卸载, 断开并把指示灯设为 Idle
func (a *Adapter) Eject() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return ErrNotConnected
	}
	mount := a.info.MountPoint
	a.release()
	a.mu.Unlock()

	var err error
	if a.unmount {
		if err = unmount(mount); err != nil {
			a.log.Warn("Unmount failed", zap.String("mount", mount), zap.Error(err))
			err = fmt.Errorf("unmount %s: %w", mount, err)
		}
	}
	a.log.Info("⏏️ External drive ejected", zap.String("mount", mount))
	// 有通知对象时指示灯由模式控制器刷新
	if a.notifier != nil {
		a.notifier.NotifyHostDeviceDisconnected()
	} else {
		a.ind.SetState(indicator.Idle)
	}
	return err
}

// Teardown 模式切换禁用主机角色时调用
func (a *Adapter) Teardown() error {
	if err := a.Eject(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Connected 是否有外接设备
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// release 需持有写锁
func (a *Adapter) release() {
	if a.root != nil {
		a.root.Close()
	}
	a.root = nil
	a.connected = false
	a.info = DeviceInfo{}
}

// DeviceInfo 当前设备信息的副本
func (a *Adapter) DeviceInfo() (DeviceInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return DeviceInfo{}, ErrNotConnected
	}
	return a.info, nil
}

// ReadFile 从文件开头读取至多 len(buf) 字节
func (a *Adapter) ReadFile(name string, buf []byte) (int, error) {
	if name == "" || len(buf) == 0 {
		return 0, ErrInvalidArgument
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return 0, ErrNotConnected
	}
	a.act.IOStart()
	defer a.act.IOEnd()

	f, err := a.root.Open(rel(name))
	if err != nil {
		return 0, a.fail("open", name, err)
	}
	defer f.Close()

	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, a.fail("read", name, err)
	}
	head := buf[:min(n, analysis.HeaderSize)]
	if r := a.inspector.InspectHeader(name, head); r.Masquerade {
		a.log.Warn("⚠️ File type mismatch",
			zap.String("file", name),
			zap.String("risk", string(r.Risk)),
			zap.String("msg", r.Message))
	}
	return n, nil
}

// WriteFile 创建或覆盖文件, 数据落盘后返回
func (a *Adapter) WriteFile(name string, data []byte) (int, error) {
	if name == "" || len(data) == 0 {
		return 0, ErrInvalidArgument
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return 0, ErrNotConnected
	}
	a.act.IOStart()
	defer a.act.IOEnd()

	f, err := a.root.OpenFile(rel(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, a.fail("open", name, err)
	}
	n, err := f.Write(data)
	if err != nil {
		f.Close()
		return 0, a.fail("write", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, a.fail("sync", name, err)
	}
	if err := f.Close(); err != nil {
		return 0, a.fail("close", name, err)
	}
	return n, nil
}

// ListFiles 列出目录下至多 maxEntries 项, 按名称排序
func (a *Adapter) ListFiles(dir string, maxEntries int) ([]FileEntry, error) {
	if dir == "" || maxEntries <= 0 {
		return nil, ErrInvalidArgument
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return nil, ErrNotConnected
	}
	a.act.IOStart()
	defer a.act.IOEnd()

	d, err := a.root.Open(rel(dir))
	if err != nil {
		return nil, a.fail("open", dir, err)
	}
	defer d.Close()

	entries, err := d.ReadDir(maxEntries)
	if err != nil && err != io.EOF {
		return nil, a.fail("readdir", dir, err)
	}

	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		fe := FileEntry{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			fe.Size = info.Size()
		}
		if e.Type().IsRegular() {
			fe.Kind = a.sniff(path.Join(rel(dir), e.Name()))
		}
		out = append(out, fe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sniff 需持有读锁
func (a *Adapter) sniff(name string) string {
	f, err := a.root.Open(name)
	if err != nil {
		return ""
	}
	defer f.Close()
	head, err := analysis.ReadHeader(f)
	if err != nil {
		return ""
	}
	return analysis.Kind(head)
}

func (a *Adapter) fail(step, name string, err error) error {
	a.log.Error("host file I/O failed",
		zap.String("step", step),
		zap.String("path", name),
		zap.Error(err))
	return fmt.Errorf("%s %s: %w", step, name, err)
}

// rel 把 "/a/b" 形式的路径转换为挂载点内的相对路径
func rel(name string) string {
	p := path.Clean("/" + name)
	if p == "/" {
		return "."
	}
	return p[1:]
}

// truncate 截断到 MaxStringLen 字节, 不切断 UTF-8 字符
func truncate(s string) string {
	if len(s) <= MaxStringLen {
		return s
	}
	i := MaxStringLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}

type nopActivity struct{}

func (nopActivity) IOStart() {}
func (nopActivity) IOEnd()   {}
