package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hara602/dualusb/internal/model"
	"github.com/Hara602/dualusb/internal/sysutil"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// MediaWatcher 监视自动挂载根目录 (如 /media/usb): 子目录挂载完成即外接设备接入, 消失即拔出
type MediaWatcher struct {
	root    string
	opts    options
	events  chan model.USBEvent
	mounted chan mediaMount
	rescan  chan struct{}
	stop    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	watcher *fsnotify.Watcher
	// 以下只在 run 循环中访问
	known   map[string]string // 挂载目录 -> 上报的设备路径
	waiting map[string]bool   // 已出现但还没挂载的目录
}

// mediaMount 等待挂载的结果
type mediaMount struct {
	dir string
	dev string
	err error
}

func NewMedia(root string, opts ...Option) *MediaWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaWatcher{
		root:    root,
		opts:    buildOptions(opts),
		events:  make(chan model.USBEvent, 10),
		mounted: make(chan mediaMount),
		rescan:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		known:   make(map[string]string),
		waiting: make(map[string]bool),
	}
}

func (m *MediaWatcher) Start() (<-chan model.USBEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(m.root); err != nil {
		w.Close()
		return nil, err
	}
	m.watcher = w
	go m.run()
	return m.events, nil
}

// Rescan 重新上报根目录下的所有设备
func (m *MediaWatcher) Rescan() {
	select {
	case m.rescan <- struct{}{}:
	default:
	}
}

func (m *MediaWatcher) Stop() {
	m.once.Do(func() {
		m.cancel()
		close(m.stop)
	})
}

func (m *MediaWatcher) run() {
	defer m.watcher.Close()

	m.scanExisting()
	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(ev)
		case res := <-m.mounted:
			m.settle(res)
		case <-m.rescan:
			m.opts.log.Info("Rescanning media root", zap.String("root", m.root))
			m.known = make(map[string]string)
			m.scanExisting()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.opts.log.Warn("media watcher error", zap.Error(err))
		}
	}
}

func (m *MediaWatcher) scanExisting() {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.opts.log.Error("Failed to scan media root", zap.String("root", m.root), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		if m.waiting[dir] {
			continue
		}
		dev, _ := sysutil.LookupDevice(dir)
		m.attach(dir, dev)
	}
}

func (m *MediaWatcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		st, err := os.Stat(ev.Name)
		if err != nil || !st.IsDir() || m.waiting[ev.Name] {
			return
		}
		// 自动挂载程序先建目录再挂载, 等挂载表出现这个目录后再上报
		m.waiting[ev.Name] = true
		go m.awaitMount(ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		m.detach(ev.Name)
	}
}

func (m *MediaWatcher) awaitMount(dir string) {
	dev, err := sysutil.WaitForDevice(m.ctx, dir, m.opts.mountTimeout)
	select {
	case m.mounted <- mediaMount{dir: dir, dev: dev, err: err}:
	case <-m.stop:
	}
}

func (m *MediaWatcher) settle(res mediaMount) {
	delete(m.waiting, res.dir)
	if _, err := os.Stat(res.dir); err != nil {
		m.opts.log.Debug("Media directory gone before mount", zap.String("mount", res.dir))
		return
	}
	if errors.Is(res.err, sysutil.ErrMountTimeout) {
		// 不是挂载点的普通目录按目录本身上报
		m.opts.log.Warn("Media directory never mounted, reporting directory",
			zap.String("mount", res.dir), zap.Duration("timeout", m.opts.mountTimeout))
	}
	m.attach(res.dir, res.dev)
}

// attach dev 为空时以目录本身作为设备标识
func (m *MediaWatcher) attach(dir, dev string) {
	if _, ok := m.known[dir]; ok {
		return
	}
	ev := model.USBEvent{SectorSize: 512}
	if dev == "" {
		dev = dir
	} else if info, ok := describe(m.opts.sysRoot, dev); ok {
		ev = info
	}
	m.known[dir] = dev

	ev.Action = model.ActionAttach
	ev.DevicePath = dev
	ev.MountPoint = dir
	ev.TimeStamp = time.Now()
	m.opts.log.Info("📂 Media directory appeared", zap.String("mount", dir), zap.String("dev", dev))
	m.emit(ev)
}

func (m *MediaWatcher) detach(dir string) {
	dev, ok := m.known[dir]
	if !ok {
		return
	}
	delete(m.known, dir)
	m.opts.log.Info("Media directory removed", zap.String("mount", dir))
	m.emit(model.USBEvent{Action: model.ActionDetach, DevicePath: dev, MountPoint: dir, TimeStamp: time.Now()})
}

func (m *MediaWatcher) emit(ev model.USBEvent) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}
