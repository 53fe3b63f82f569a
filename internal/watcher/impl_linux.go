package watcher

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/dualusb/internal/analysis"
	"github.com/Hara602/dualusb/internal/model"
	"github.com/Hara602/dualusb/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	opts   options
	events chan model.USBEvent
	stop   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func newWatcher(o options) DeviceWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &linuxWatcher{
		opts:   o,
		events: make(chan model.USBEvent, 10),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *linuxWatcher) Start() (<-chan model.USBEvent, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()

		// 先补报启动前已挂载的设备
		go w.scanExisting()

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case err := <-errChan:
				w.opts.log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Rescan() {
	select {
	case <-w.stop:
		return
	default:
	}
	w.opts.log.Info("Rescanning mounted USB devices")
	go w.scanExisting()
}

func (w *linuxWatcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		close(w.stop)
	})
}

func (w *linuxWatcher) emit(ev model.USBEvent) {
	select {
	case w.events <- ev:
	case <-w.stop:
	}
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return
	}
	dev := devNode(uevent.Env["DEVNAME"])
	switch uevent.Action {
	case netlink.ADD:
		go w.handleAdd(dev)
	case netlink.REMOVE:
		w.emit(model.USBEvent{Action: model.ActionDetach, DevicePath: dev, TimeStamp: time.Now()})
	}
}

func (w *linuxWatcher) handleAdd(dev string) {
	ev, ok := describe(w.opts.sysRoot, dev)
	if !ok {
		w.opts.log.Debug("block device is not on the USB bus", zap.String("dev", dev))
		return
	}
	w.opts.log.Info("device information:",
		zap.String("dev", dev),
		zap.Uint16("vid", ev.VendorID),
		zap.Uint16("pid", ev.ProductID),
		zap.String("serial", ev.Serial),
		zap.String("product", ev.Product))
	if ev.DeviceType == string(analysis.ClassBadUSB) {
		w.opts.log.Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("serial", ev.Serial))
	}

	mp, err := sysutil.WaitForMount(w.ctx, dev, w.opts.mountTimeout)
	if err != nil {
		w.opts.log.Warn("Device detected but mount point not found", zap.String("dev", dev), zap.Error(err))
		return
	}
	ev.Action = model.ActionAttach
	ev.MountPoint = mp
	ev.TimeStamp = time.Now()
	w.emit(ev)
}

// scanExisting 扫描挂载表, 补报已挂载的 USB 分区
func (w *linuxWatcher) scanExisting() {
	f, err := os.Open(sysutil.MountsFile)
	if err != nil {
		w.opts.log.Error("Failed to scan existing mounts", zap.Error(err))
		return
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		dev := fields[0]
		if !strings.HasPrefix(dev, "/dev/") || strings.HasPrefix(dev, "/dev/loop") {
			continue
		}
		ev, ok := describe(w.opts.sysRoot, dev)
		if !ok {
			continue
		}
		ev.Action = model.ActionAttach
		ev.MountPoint = strings.ReplaceAll(fields[1], `\040`, " ")
		ev.TimeStamp = time.Now()
		w.opts.log.Info("🔍 Found existing USB device during scan",
			zap.String("mount", ev.MountPoint), zap.String("dev", dev))
		w.emit(ev)
		found++
	}
	if found == 0 {
		w.opts.log.Info("No mounted USB drive found at start")
	}
}
