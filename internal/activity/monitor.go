// Package activity 把离散的 I/O 脉冲转换成去抖后的 Busy/Idle 指示
package activity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/dualusb/internal/indicator"
	"go.uber.org/zap"
)

const (
	DefaultPoll  = 100 * time.Millisecond
	DefaultDecay = 500 * time.Millisecond
)

// Monitor 单个后台循环: 每个周期最多等待 poll 取一个脉冲.
// 取到脉冲 -> Busy 并重置倒计时; 没取到 -> 倒计时减 poll, 归零回到静止状态.
// 错误状态不受脉冲和衰减影响.
type Monitor struct {
	ind    indicator.Indicator
	poll   time.Duration
	decay  time.Duration
	settle func() indicator.State
	log    *zap.Logger

	pulses   chan struct{} // 容量 1, 多个脉冲合并为一个
	inflight atomic.Int32
	started  atomic.Bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type Option func(*Monitor)

func WithTiming(poll, decay time.Duration) Option {
	return func(m *Monitor) {
		if poll > 0 {
			m.poll = poll
		}
		if decay > 0 {
			m.decay = decay
		}
	}
}

// WithSettle 衰减结束时指示灯回到的状态, 默认 Idle.
// 角色仍处于连接时由模式控制器给出 Busy.
func WithSettle(settle func() indicator.State) Option {
	return func(m *Monitor) { m.settle = settle }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

func New(ind indicator.Indicator, opts ...Option) *Monitor {
	m := &Monitor{
		ind:    ind,
		poll:   DefaultPoll,
		decay:  DefaultDecay,
		settle: func() indicator.State { return indicator.Idle },
		log:    zap.NewNop(),
		pulses: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pulse 标记发生了一次 I/O, 永不阻塞
func (m *Monitor) Pulse() {
	select {
	case m.pulses <- struct{}{}:
	default:
	}
}

// IOStart 在 I/O 前调用: 发出脉冲并计入进行中的 I/O
func (m *Monitor) IOStart() {
	m.inflight.Add(1)
	m.Pulse()
}

// IOEnd 在 I/O 后调用; 有 I/O 进行中时倒计时不前进
func (m *Monitor) IOEnd() {
	if m.inflight.Add(-1) < 0 {
		m.inflight.Store(0)
	}
}

func (m *Monitor) Start() {
	if m.started.Swap(true) {
		return
	}
	go m.run()
}

func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
		if m.started.Load() {
			<-m.done
		}
	})
}

func (m *Monitor) run() {
	defer close(m.done)
	m.log.Info("activity monitor started", zap.Duration("poll", m.poll), zap.Duration("decay", m.decay))

	var countdown time.Duration
	timer := time.NewTimer(m.poll)
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.pulses:
			if m.ind.State() != indicator.Error {
				m.ind.SetState(indicator.Busy)
			}
			countdown = m.decay
		case <-timer.C:
			countdown = m.tick(countdown)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.poll)
	}
}

// tick 处理一个没有脉冲的周期
func (m *Monitor) tick(countdown time.Duration) time.Duration {
	if countdown <= 0 || m.inflight.Load() > 0 {
		return countdown
	}
	countdown -= m.poll
	if countdown <= 0 {
		// 只从 Busy 回落, 不清除错误
		if m.ind.State() != indicator.Busy {
			return 0
		}
		if next := m.settle(); next != indicator.Busy {
			m.ind.SetState(next)
		}
		return 0
	}
	return countdown
}
