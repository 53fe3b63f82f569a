// Package msc 设备角色的块 I/O 适配器: 把 USB 协议栈的扇区请求转换为后备卷操作
package msc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/Hara602/dualusb/internal/indicator"
	"github.com/Hara602/dualusb/internal/volume"
	"go.uber.org/zap"
)

// SectorSize 扇区大小
const SectorSize = 512

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfRange      = errors.New("request beyond end of volume")
	ErrNotMounted      = errors.New("medium not present")
)

// Handler USB 协议栈注册的四个回调
type Handler interface {
	// ReadSectors 从 lba*SectorSize+offset 读取 len(buf) 字节
	ReadSectors(lba, offset uint32, buf []byte) (int, error)
	// WriteSectors 写入并落盘后才返回成功
	WriteSectors(lba, offset uint32, buf []byte) (int, error)
	// Capacity 块数量和块大小
	Capacity() (blockCount uint32, blockSize uint16, err error)
	// StartStop SCSI START STOP UNIT
	StartStop(powerCondition uint8, start, loadEject bool) bool
}

// Activity I/O 活动通知
type Activity interface {
	IOStart()
	IOEnd()
}

// Notifier 设备角色的连接通知 (由模式控制器实现)
type Notifier interface {
	NotifyDeviceConnected()
	NotifyDeviceDisconnected()
}

// Faulter 接收 I/O 故障 (由模式控制器实现), 错误状态保持到下一次模式切换
type Faulter interface {
	Fault(reason string)
}

var _ Handler = (*Adapter)(nil)

// Adapter 块 I/O 适配器. 读写之间不做串行化, 协议栈需按逻辑单元串行提交请求.
type Adapter struct {
	vol      volume.Volume
	ind      indicator.Indicator
	act      Activity
	notifier Notifier
	faulter  Faulter
	busCheck func() bool
	log      *zap.Logger

	mounted  atomic.Bool // 对主机可见的介质状态, 弹出后为 false
	attached atomic.Bool // 主机电脑是否在总线上, 与模式无关
}

type Option func(*Adapter)

func WithActivity(act Activity) Option {
	return func(a *Adapter) { a.act = act }
}

func WithNotifier(n Notifier) Option {
	return func(a *Adapter) { a.notifier = n }
}

// WithFaulter I/O 失败时上报故障, 不设置时直接点亮错误灯
func WithFaulter(f Faulter) Option {
	return func(a *Adapter) { a.faulter = f }
}

// WithBusCheck 重新启用设备角色时用来读取当前的总线连接状态
func WithBusCheck(check func() bool) Option {
	return func(a *Adapter) { a.busCheck = check }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

func New(vol volume.Volume, ind indicator.Indicator, opts ...Option) *Adapter {
	a := &Adapter{
		vol: vol,
		ind: ind,
		act: nopActivity{},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.mounted.Store(true)
	return a
}

// ReadSectors 打开, 定位, 读取, 关闭. 任一步失败都返回错误, buf 内容不可信.
func (a *Adapter) ReadSectors(lba, offset uint32, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidArgument
	}
	if !a.mounted.Load() {
		a.log.Debug("sector I/O while ejected", zap.Uint32("lba", lba))
		return 0, ErrNotMounted
	}
	a.act.IOStart()
	defer a.act.IOEnd()

	pos := byteOffset(lba, offset)
	if err := a.checkRange(pos, len(buf)); err != nil {
		return 0, a.fail("range", err, lba, offset, len(buf))
	}

	h, err := a.vol.Open(os.O_RDONLY)
	if err != nil {
		return 0, a.fail("open", err, lba, offset, len(buf))
	}
	defer h.Close()

	if _, err := h.Seek(pos, io.SeekStart); err != nil {
		return 0, a.fail("seek", err, lba, offset, len(buf))
	}
	n, err := io.ReadFull(h, buf)
	if err != nil {
		return 0, a.fail("read", err, lba, offset, len(buf))
	}
	return n, nil
}

// WriteSectors 打开, 定位, 写入, 落盘, 关闭. 数据到达非易失存储之前不确认.
func (a *Adapter) WriteSectors(lba, offset uint32, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrInvalidArgument
	}
	if !a.mounted.Load() {
		a.log.Debug("sector I/O while ejected", zap.Uint32("lba", lba))
		return 0, ErrNotMounted
	}
	a.act.IOStart()
	defer a.act.IOEnd()

	pos := byteOffset(lba, offset)
	if err := a.checkRange(pos, len(buf)); err != nil {
		return 0, a.fail("range", err, lba, offset, len(buf))
	}

	h, err := a.vol.Open(os.O_WRONLY)
	if err != nil {
		return 0, a.fail("open", err, lba, offset, len(buf))
	}

	if _, err := h.Seek(pos, io.SeekStart); err != nil {
		h.Close()
		return 0, a.fail("seek", err, lba, offset, len(buf))
	}
	n, err := h.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		h.Close()
		return 0, a.fail("write", err, lba, offset, len(buf))
	}
	if err := h.Sync(); err != nil {
		h.Close()
		return 0, a.fail("sync", err, lba, offset, len(buf))
	}
	if err := h.Close(); err != nil {
		return 0, a.fail("close", err, lba, offset, len(buf))
	}
	return n, nil
}

// Capacity 块数 = 总字节 / SectorSize
func (a *Adapter) Capacity() (uint32, uint16, error) {
	total, _, err := a.vol.Stats()
	if err != nil {
		a.log.Error("Failed to get volume stats", zap.Error(err))
		return 0, 0, fmt.Errorf("volume stats: %w", err)
	}
	blocks := total / SectorSize
	if blocks > uint64(^uint32(0)) {
		blocks = uint64(^uint32(0))
	}
	a.log.Info("MSC capacity", zap.Uint64("blocks", blocks), zap.Int("blockSize", SectorSize))
	return uint32(blocks), SectorSize, nil
}

// StartStop loadEject 时切换介质可见状态; 不卸载后备卷
func (a *Adapter) StartStop(powerCondition uint8, start, loadEject bool) bool {
	a.log.Info("MSC start_stop",
		zap.Uint8("power", powerCondition),
		zap.Bool("start", start),
		zap.Bool("eject", loadEject))

	if !loadEject {
		return true
	}
	if start {
		if err := a.load(); err != nil {
			return false
		}
	} else {
		a.mounted.Store(false)
	}
	// 有故障接收方时指示灯由它统一刷新
	if a.faulter == nil {
		a.ind.SetState(indicator.Idle)
	}
	return true
}

// load 装载介质; 后备卷已被卸载时先重新挂载
func (a *Adapter) load() error {
	if lc, ok := a.vol.(volume.Lifecycle); ok {
		if err := lc.Remount(); err != nil {
			a.log.Error("Volume remount failed", zap.Error(err))
			return fmt.Errorf("remount: %w", err)
		}
	}
	a.mounted.Store(true)
	return nil
}

// Eject 逻辑弹出介质
func (a *Adapter) Eject() {
	a.StartStop(0, false, true)
}

// Mounted 主机是否可以看到介质
func (a *Adapter) Mounted() bool {
	return a.mounted.Load()
}

// BusAttached 主机电脑完成枚举 (协议栈的 mount 回调)
func (a *Adapter) BusAttached() {
	if a.attached.Swap(true) {
		return
	}
	a.log.Info("USB host attached to device role")
	if a.notifier != nil {
		a.notifier.NotifyDeviceConnected()
	}
}

// BusDetached 主机电脑断开或挂起
func (a *Adapter) BusDetached() {
	if !a.attached.Swap(false) {
		return
	}
	a.log.Info("USB host detached from device role")
	if a.notifier != nil {
		a.notifier.NotifyDeviceDisconnected()
	}
}

// Teardown 模式切换禁用设备角色时调用: 弹出介质并通知断开.
// 总线连接状态保留, BringUp 时据此恢复.
func (a *Adapter) Teardown() error {
	a.Eject()
	if a.notifier != nil {
		a.notifier.NotifyDeviceDisconnected()
	}
	return nil
}

// BringUp 模式重新启用设备角色时调用: 装载介质, 主机电脑仍在总线上则重新通知连接
func (a *Adapter) BringUp() error {
	if err := a.load(); err != nil {
		return err
	}
	attached := a.attached.Load()
	if a.busCheck != nil {
		attached = a.busCheck()
		a.attached.Store(attached)
	}
	a.log.Info("Device role brought up", zap.Bool("attached", attached))
	if attached && a.notifier != nil {
		a.notifier.NotifyDeviceConnected()
	}
	return nil
}

func (a *Adapter) checkRange(pos int64, size int) error {
	total, _, err := a.vol.Stats()
	if err != nil {
		return err
	}
	if uint64(pos)+uint64(size) > total {
		return ErrOutOfRange
	}
	return nil
}

// fail 记录失败步骤并进入错误状态
func (a *Adapter) fail(step string, err error, lba, offset uint32, size int) error {
	a.log.Error("sector I/O failed",
		zap.String("step", step),
		zap.Uint32("lba", lba),
		zap.Uint32("offset", offset),
		zap.Int("size", size),
		zap.Error(err))
	if a.faulter != nil {
		a.faulter.Fault("storage I/O: " + step)
	} else {
		a.ind.SetState(indicator.Error)
	}
	return fmt.Errorf("%s: %w", step, err)
}

func byteOffset(lba, offset uint32) int64 {
	return int64(lba)*SectorSize + int64(offset)
}

type nopActivity struct{}

func (nopActivity) IOStart() {}
func (nopActivity) IOEnd()   {}
