package indicator

import "sync"

// Memory 只记录状态的指示器, 用于测试和无灯环境
type Memory struct {
	mu      sync.Mutex
	state   State
	history []State
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.history = append(m.history, s)
}

func (m *Memory) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History 返回所有设置过的状态 (拷贝)
func (m *Memory) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}
