package indicator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LED 基于 Pin 的闪烁驱动, 状态切换会打断当前相位
type LED struct {
	pin      Pin
	patterns map[State]Pattern
	log      *zap.Logger

	state   atomic.Int32
	started atomic.Bool
	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLED 创建指示灯驱动, patterns 为 nil 时使用默认时序
func NewLED(pin Pin, patterns map[State]Pattern, log *zap.Logger) *LED {
	if patterns == nil {
		patterns = Patterns
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LED{
		pin:      pin,
		patterns: patterns,
		log:      log,
		changed:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *LED) SetState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.log.Debug("LED state changed", zap.Stringer("state", s))
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *LED) State() State {
	return State(l.state.Load())
}

// Start 启动闪烁 goroutine
func (l *LED) Start() {
	if l.started.Swap(true) {
		return
	}
	go l.run()
}

// Stop 停止闪烁并熄灭
func (l *LED) Stop() {
	l.once.Do(func() {
		close(l.stop)
		if l.started.Load() {
			<-l.done
		}
	})
}

func (l *LED) run() {
	defer close(l.done)
	defer l.write(false)

	for {
		p := l.patterns[l.State()]
		if !l.phase(true, p.On) {
			return
		}
		if !l.phase(false, p.Off) {
			return
		}
	}
}

// phase 保持一个相位, 返回 false 表示已停止
func (l *LED) phase(on bool, d time.Duration) bool {
	l.write(on)
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-l.stop:
		return false
	case <-l.changed:
		return true
	case <-timer.C:
		return true
	}
}

func (l *LED) write(on bool) {
	if err := l.pin.Set(on); err != nil {
		l.log.Warn("LED pin write failed", zap.Error(err))
	}
}
