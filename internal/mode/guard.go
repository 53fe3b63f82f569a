package mode

import "time"

// guard 带超时的互斥锁; 获取失败表示 "状态暂不可用", 由调用方决定回退值
type guard struct {
	sem chan struct{}
}

func newGuard() *guard {
	return &guard{sem: make(chan struct{}, 1)}
}

// acquire 在 timeout 内获取锁, 成功返回 true
func (g *guard) acquire(timeout time.Duration) bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case g.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (g *guard) release() {
	<-g.sem
}
