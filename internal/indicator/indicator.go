// Package indicator 状态指示灯: Idle / Busy / Error 三种闪烁模式
package indicator

import "time"

// State 指示灯状态
type State int32

const (
	Idle State = iota
	Busy
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Indicator 状态指示接口, 可以在任意 goroutine 中调用
type Indicator interface {
	SetState(s State)
	State() State
}

// Pattern 一个闪烁周期: 亮 On, 灭 Off
type Pattern struct {
	On  time.Duration
	Off time.Duration
}

// 闪烁时序
var Patterns = map[State]Pattern{
	Idle:  {On: 500 * time.Millisecond, Off: 1500 * time.Millisecond},
	Busy:  {On: 200 * time.Millisecond, Off: 200 * time.Millisecond},
	Error: {On: 3000 * time.Millisecond, Off: 1500 * time.Millisecond}, // 常亮 3s 再慢闪
}
