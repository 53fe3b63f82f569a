package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hara602/dualusb/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultUDCRoot     = "/sys/class/udc"
	DefaultUDCInterval = 500 * time.Millisecond
)

// StateConfigured 主机完成枚举后 UDC 的状态
const StateConfigured = "configured"

var ErrNoUDC = errors.New("no USB device controller found")

// UDCPoller 轮询 gadget 控制器状态, 主机电脑连接/断开时上报 BusEvent
type UDCPoller struct {
	root     string
	udc      string
	interval time.Duration
	log      *zap.Logger

	events chan model.BusEvent
	stop   chan struct{}
	once   sync.Once
}

// NewUDCPoller udc 为空时使用 root 下的第一个控制器
func NewUDCPoller(root, udc string, interval time.Duration, log *zap.Logger) *UDCPoller {
	if root == "" {
		root = DefaultUDCRoot
	}
	if interval <= 0 {
		interval = DefaultUDCInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &UDCPoller{
		root:     root,
		udc:      udc,
		interval: interval,
		log:      log,
		events:   make(chan model.BusEvent, 4),
		stop:     make(chan struct{}),
	}
}

func (p *UDCPoller) Start() (<-chan model.BusEvent, error) {
	if p.udc == "" {
		entries, err := os.ReadDir(p.root)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, ErrNoUDC
		}
		p.udc = entries[0].Name()
	}
	if _, err := os.Stat(p.statePath()); err != nil {
		return nil, err
	}
	go p.run()
	return p.events, nil
}

func (p *UDCPoller) Stop() {
	p.once.Do(func() { close(p.stop) })
}

// UDC 实际使用的控制器名
func (p *UDCPoller) UDC() string { return p.udc }

func (p *UDCPoller) statePath() string {
	return filepath.Join(p.root, p.udc, "state")
}

// Attached 主机电脑当前是否已完成枚举
func (p *UDCPoller) Attached() bool {
	return readAttr(p.statePath()) == StateConfigured
}

func (p *UDCPoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := false
	check := func() {
		now := p.Attached()
		if now == last {
			return
		}
		last = now
		p.log.Info("UDC state changed", zap.String("udc", p.udc), zap.Bool("attached", now))
		select {
		case p.events <- model.BusEvent{Attached: now, Source: p.udc, TimeStamp: time.Now()}:
		case <-p.stop:
		}
	}

	check()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			check()
		}
	}
}
