package mode

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/dualusb/internal/indicator"
	"go.uber.org/zap"
)

var (
	ErrInvalidMode    = errors.New("invalid usb mode")
	ErrInvalidRole    = errors.New("invalid usb role")
	ErrNilStatus      = errors.New("nil status output")
	ErrNotInitialized = errors.New("mode controller not initialized")
	ErrUnavailable    = errors.New("mode state temporarily unavailable")
	ErrNoIndicator    = errors.New("mode controller has no status indicator")
)

const (
	DefaultLockTimeout = 100 * time.Millisecond
	DefaultPeriod      = 500 * time.Millisecond
)

// TeardownFunc 关闭某个角色 (弹出 / 卸载), 由维护循环在锁外调用
type TeardownFunc func() error

// BringUpFunc 模式重新启用某角色时调用 (装载介质 / 重新扫描设备), 由维护循环在锁外调用
type BringUpFunc func() error

// transition 排队等待维护循环执行的角色启停
type transition struct {
	role Role
	up   bool
}

func (t transition) String() string {
	if t.up {
		return "bring-up " + t.role.String()
	}
	return "teardown " + t.role.String()
}

// Controller 模式控制器. 整个快照由一把带超时的锁保护:
// 获取超时不算错误, 读取方拿到默认值, 写入方跳过本次更新.
type Controller struct {
	ind         indicator.Indicator
	log         *zap.Logger
	lockTimeout time.Duration
	period      time.Duration
	now         func() time.Time
	teardown    map[Role]TeardownFunc
	bringUp     map[Role]BringUpFunc

	g       *guard
	st      Status       // 受 g 保护
	pending []transition // 待执行的角色启停, 受 g 保护

	lifeMu      sync.Mutex
	initialized atomic.Bool
	ready       chan struct{}
	readyOnce   sync.Once
	stop        chan struct{}
	done        chan struct{}
}

type Option func(*Controller)

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithTiming 锁等待上限和维护周期
func WithTiming(lockTimeout, period time.Duration) Option {
	return func(c *Controller) {
		if lockTimeout > 0 {
			c.lockTimeout = lockTimeout
		}
		if period > 0 {
			c.period = period
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTeardown 模式切换禁用某角色时调用的关闭函数
func WithTeardown(r Role, fn TeardownFunc) Option {
	return func(c *Controller) { c.teardown[r] = fn }
}

// WithBringUp 模式切换重新启用某角色时调用的启动函数
func WithBringUp(r Role, fn BringUpFunc) Option {
	return func(c *Controller) { c.bringUp[r] = fn }
}

func New(ind indicator.Indicator, opts ...Option) *Controller {
	c := &Controller{
		ind:         ind,
		log:         zap.NewNop(),
		lockTimeout: DefaultLockTimeout,
		period:      DefaultPeriod,
		now:         time.Now,
		teardown:    make(map[Role]TeardownFunc),
		bringUp:     make(map[Role]BringUpFunc),
		g:           newGuard(),
		st:          initialStatus(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func initialStatus() Status {
	return Status{Mode: DeviceOnly, State: Idle}
}

// Init 重置快照并启动维护循环; 已初始化时直接返回 nil
func (c *Controller) Init() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.initialized.Load() {
		c.log.Warn("USB mode already initialized")
		return nil
	}
	if c.ind == nil {
		return ErrNoIndicator
	}

	// 初始化期间没有其他写入方, 无限等待是安全的
	c.g.acquire(time.Hour)
	c.st = initialStatus()
	c.pending = nil
	c.g.release()

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)

	c.initialized.Store(true)
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Info("USB mode control initialized", zap.Stringer("mode", DeviceOnly))
	return nil
}

// Deinit 停止维护循环; 未初始化时直接返回 nil
func (c *Controller) Deinit() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.initialized.Load() {
		return nil
	}
	c.initialized.Store(false)
	close(c.stop)
	<-c.done
	c.log.Info("USB mode control deinitialized")
	return nil
}

// WaitReady 等待首次 Init 完成, timeout 为 0 表示无限等待
func (c *Controller) WaitReady(timeout time.Duration) bool {
	if timeout == 0 {
		<-c.ready
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.ready:
		return true
	case <-t.C:
		return false
	}
}

// SetMode 记录请求的模式. 角色的关闭由维护循环完成.
// 锁获取超时时本次调用不生效, 只记录日志.
func (c *Controller) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	c.log.Info("Setting USB mode", zap.Stringer("mode", m))

	if !c.g.acquire(c.lockTimeout) {
		c.log.Warn("mode lock contended, mode update skipped", zap.Stringer("mode", m))
		return nil
	}
	defer c.g.release()

	prev := c.st.Mode
	c.st.Mode = m
	c.st.FaultReason = ""
	if m != prev {
		c.st.ModeSwitchCount++
		c.st.LastSwitchTime = c.now()
	}

	// 被新模式禁用的角色: 清除连接标志并排队关闭; 重新启用的角色排队启动
	for _, r := range []Role{RoleDevice, RoleHost} {
		switch {
		case !m.Allows(r) && c.connected(r):
			c.setFlag(r, false)
			c.queue(transition{role: r})
		case m.Allows(r) && !prev.Allows(r) && c.bringUp[r] != nil:
			c.queue(transition{role: r, up: true})
		}
	}

	if len(c.pending) > 0 {
		c.st.State = Switching
	} else {
		c.st.State = c.derive(Idle)
	}
	c.updateIndicator()
	return nil
}

// queue 需持有锁. 同一角色的相反操作替换尚未执行的旧操作.
func (c *Controller) queue(t transition) {
	for i, p := range c.pending {
		if p.role != t.role {
			continue
		}
		if p.up == t.up {
			return
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		break
	}
	c.pending = append(c.pending, t)
}

func (c *Controller) connected(r Role) bool {
	if r == RoleHost {
		return c.st.HostConnected
	}
	return c.st.DeviceConnected
}

func (c *Controller) setFlag(r Role, v bool) {
	if r == RoleHost {
		c.st.HostConnected = v
	} else {
		c.st.DeviceConnected = v
	}
}

// SelectRole DualManual 模式下由操作者指定的活动角色
func (c *Controller) SelectRole(r Role) error {
	if r != RoleDevice && r != RoleHost {
		return ErrInvalidRole
	}
	c.mutate(func(st *Status) {
		st.SelectedRole = r
		c.rederive()
	})
	return nil
}

// Fault 显式注入错误状态, 直到下一次 SetMode 或重新初始化
func (c *Controller) Fault(reason string) {
	c.log.Error("USB mode entering error state", zap.String("reason", reason))
	c.mutate(func(st *Status) {
		st.State = Error
		st.FaultReason = reason
	})
}

func (c *Controller) Mode() Mode {
	st, ok := c.snapshot()
	if !ok {
		return DeviceOnly
	}
	return st.Mode
}

func (c *Controller) State() State {
	st, ok := c.snapshot()
	if !ok {
		return Idle
	}
	return st.State
}

func (c *Controller) IsSwitching() bool {
	return c.State() == Switching
}

func (c *Controller) IsDeviceActive() bool {
	return c.State() == DeviceActive
}

func (c *Controller) IsHostActive() bool {
	return c.State() == HostActive
}

// Status 把完整快照拷贝到 out
func (c *Controller) Status(out *Status) error {
	if out == nil {
		return ErrNilStatus
	}
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	st, ok := c.snapshot()
	if !ok {
		return ErrUnavailable
	}
	*out = st
	return nil
}

// StatusString 当前状态的可读标签
func (c *Controller) StatusString() string {
	return c.State().String()
}

func (c *Controller) NotifyDeviceConnected() {
	c.setConnected(RoleDevice, true)
}

func (c *Controller) NotifyDeviceDisconnected() {
	c.setConnected(RoleDevice, false)
}

func (c *Controller) NotifyHostDeviceConnected() {
	c.setConnected(RoleHost, true)
}

func (c *Controller) NotifyHostDeviceDisconnected() {
	c.setConnected(RoleHost, false)
}

func (c *Controller) setConnected(r Role, connected bool) {
	c.mutate(func(st *Status) {
		if connected && !st.Mode.Allows(r) {
			c.log.Debug("connection ignored, role disabled by mode",
				zap.Stringer("role", r), zap.Stringer("mode", st.Mode))
			return
		}
		c.setFlag(r, connected)
		c.log.Debug("connection changed", zap.Stringer("role", r), zap.Bool("connected", connected))
		c.rederive()
	})
}

// mutate 在锁内修改快照并刷新指示灯; 锁超时则跳过
func (c *Controller) mutate(fn func(st *Status)) {
	if !c.initialized.Load() {
		return
	}
	if !c.g.acquire(c.lockTimeout) {
		c.log.Debug("mode lock contended, update skipped")
		return
	}
	defer c.g.release()
	fn(&c.st)
	c.updateIndicator()
}

func (c *Controller) snapshot() (Status, bool) {
	if !c.g.acquire(c.lockTimeout) {
		return Status{}, false
	}
	defer c.g.release()
	return c.st, true
}

// rederive 切换中和错误状态不由连接标志推导. 需持有锁.
func (c *Controller) rederive() {
	if c.st.State == Error || c.st.State == Switching {
		return
	}
	c.st.State = c.derive(c.st.State)
}

// derive 由模式和连接标志推导状态. 需持有锁.
// DualAuto 两个角色都连接时保持当前活动角色, 不抢占.
func (c *Controller) derive(prev State) State {
	dev, host := c.st.DeviceConnected, c.st.HostConnected
	switch c.st.Mode {
	case DeviceOnly:
		if dev {
			return DeviceActive
		}
	case HostOnly:
		if host {
			return HostActive
		}
	case DualManual:
		sel := c.st.SelectedRole
		if (sel == RoleDevice && dev) || (sel == RoleHost && host) {
			return sel.active()
		}
	case DualAuto:
		switch {
		case dev && host:
			if prev == HostActive {
				return HostActive
			}
			return DeviceActive
		case dev:
			return DeviceActive
		case host:
			return HostActive
		}
	}
	return Idle
}

// updateIndicator 需持有锁
func (c *Controller) updateIndicator() {
	c.ind.SetState(indicatorFor(c.st))
}

// indicatorFor 错误优先, 其次任一连接为 Busy, 否则 Idle
func indicatorFor(st Status) indicator.State {
	switch {
	case st.State == Error:
		return indicator.Error
	case st.DeviceConnected || st.HostConnected:
		return indicator.Busy
	}
	return indicator.Idle
}

// IndicatorState 当前快照对应的指示灯状态; 锁超时返回 Idle
func (c *Controller) IndicatorState() indicator.State {
	st, ok := c.snapshot()
	if !ok {
		return indicator.Idle
	}
	return indicatorFor(st)
}

func (c *Controller) run(stop, done chan struct{}) {
	defer close(done)
	c.log.Info("USB mode control loop started", zap.Duration("period", c.period))

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.maintain()
		}
	}
}

// maintain 一个维护周期: 关闭被禁用的角色, 启动重新启用的角色, 结束切换, 刷新指示灯
func (c *Controller) maintain() {
	if !c.g.acquire(c.lockTimeout) {
		return
	}
	pending := c.pending
	c.pending = nil
	c.g.release()

	for _, t := range pending {
		var fn func() error
		if t.up {
			fn = c.bringUp[t.role]
		} else {
			fn = c.teardown[t.role]
		}
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			c.log.Warn("role transition failed", zap.Stringer("transition", t), zap.Error(err))
		} else {
			c.log.Info("role transition done", zap.Stringer("transition", t))
		}
	}

	if !c.g.acquire(c.lockTimeout) {
		// 下个周期再结束切换
		return
	}
	defer c.g.release()
	if c.st.State == Switching && len(c.pending) == 0 {
		c.st.State = c.derive(Idle)
		c.log.Info("mode switch complete",
			zap.Stringer("mode", c.st.Mode), zap.Stringer("state", c.st.State))
	} else {
		c.rederive()
	}
	c.updateIndicator()
}
