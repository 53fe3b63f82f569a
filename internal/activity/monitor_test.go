package activity

import (
	"testing"
	"time"

	"github.com/Hara602/dualusb/internal/indicator"
	"github.com/stretchr/testify/assert"
)

func TestPulseDrivesBusyThenIdle(t *testing.T) {
	ind := indicator.NewMemory()
	m := New(ind, WithTiming(5*time.Millisecond, 25*time.Millisecond))
	m.Start()
	defer m.Stop()

	m.Pulse()
	assert.Eventually(t, func() bool { return ind.State() == indicator.Busy }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return ind.State() == indicator.Idle }, time.Second, time.Millisecond)
	assert.Equal(t, []indicator.State{indicator.Busy, indicator.Idle}, ind.History())
}

func TestBurstCoalesces(t *testing.T) {
	m := New(indicator.NewMemory())
	for i := 0; i < 100; i++ {
		m.Pulse()
	}
	assert.Len(t, m.pulses, 1)
}

func TestTickDecaysInSteps(t *testing.T) {
	ind := indicator.NewMemory()
	ind.SetState(indicator.Busy)
	m := New(ind)

	c := m.decay
	for i := 0; i < 4; i++ {
		c = m.tick(c)
		assert.Equal(t, DefaultDecay-time.Duration(i+1)*DefaultPoll, c)
	}
	assert.Len(t, ind.History(), 1)

	c = m.tick(c)
	assert.Zero(t, c)
	assert.Equal(t, indicator.Idle, ind.State())

	// 倒计时为 0 时不再重复设置 Idle
	m.tick(0)
	assert.Len(t, ind.History(), 2)
}

func TestDecayKeepsError(t *testing.T) {
	ind := indicator.NewMemory()
	ind.SetState(indicator.Error)
	m := New(ind)

	assert.Zero(t, m.tick(m.poll))
	assert.Equal(t, indicator.Error, ind.State())
}

func TestInflightHoldsCountdown(t *testing.T) {
	ind := indicator.NewMemory()
	m := New(ind)

	m.IOStart()
	assert.Equal(t, m.decay, m.tick(m.decay))
	m.IOEnd()
	assert.Equal(t, m.decay-m.poll, m.tick(m.decay))

	m.IOEnd()
	assert.Equal(t, int32(0), m.inflight.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(indicator.NewMemory())
	m.Start()
	m.Stop()
	m.Stop()
}

func TestPulseDoesNotMaskError(t *testing.T) {
	ind := indicator.NewMemory()
	ind.SetState(indicator.Error)
	m := New(ind, WithTiming(5*time.Millisecond, 15*time.Millisecond))
	m.Start()
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.IOStart()
		m.IOEnd()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []indicator.State{indicator.Error}, ind.History())
}

func TestDecaySettlesToConnectedState(t *testing.T) {
	ind := indicator.NewMemory()
	ind.SetState(indicator.Busy)
	m := New(ind, WithSettle(func() indicator.State { return indicator.Busy }))

	// 角色仍连接: 不出现短暂的 Idle
	assert.Zero(t, m.tick(m.poll))
	assert.Equal(t, []indicator.State{indicator.Busy}, ind.History())

	m = New(ind, WithSettle(func() indicator.State { return indicator.Idle }))
	assert.Zero(t, m.tick(m.poll))
	assert.Equal(t, indicator.Idle, ind.State())
}
