package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hara602/dualusb/internal/activity"
	"github.com/Hara602/dualusb/internal/api"
	"github.com/Hara602/dualusb/internal/config"
	"github.com/Hara602/dualusb/internal/host"
	"github.com/Hara602/dualusb/internal/indicator"
	"github.com/Hara602/dualusb/internal/mode"
	"github.com/Hara602/dualusb/internal/model"
	"github.com/Hara602/dualusb/internal/msc"
	"github.com/Hara602/dualusb/internal/policy"
	"github.com/Hara602/dualusb/internal/sysutil"
	"github.com/Hara602/dualusb/internal/volume"
	"github.com/Hara602/dualusb/internal/watcher"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const VERSION = "v0.1.0"

func main() {
	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "dualusb"
	app.Version = VERSION
	app.Usage = "Dual-role USB mass storage: expose a disk image to a host computer and read/write an attached USB drive."
	app.Flags = flags(&cfg)
	app.Action = func(c *cli.Context) error {
		return run(cfg)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "image", EnvVars: []string{"DUALUSB_IMAGE"}, Value: cfg.ImagePath, Destination: &cfg.ImagePath, Usage: "backing disk image exposed in the device role"},
		&cli.Int64Flag{Name: "image-size", EnvVars: []string{"DUALUSB_IMAGE_SIZE"}, Value: cfg.ImageSize, Destination: &cfg.ImageSize, Usage: "image size in bytes when it has to be created"},
		&cli.BoolFlag{Name: "format", EnvVars: []string{"DUALUSB_FORMAT"}, Value: cfg.FormatIfMissing, Destination: &cfg.FormatIfMissing, Usage: "create the image if it is missing"},
		&cli.StringFlag{Name: "led", EnvVars: []string{"DUALUSB_LED"}, Destination: &cfg.LEDName, Usage: "LED name under /sys/class/leds (empty logs LED changes instead)"},
		&cli.StringFlag{Name: "host-source", EnvVars: []string{"DUALUSB_HOST_SOURCE"}, Value: cfg.HostSource, Destination: &cfg.HostSource, Usage: "external drive event source: udev, media or none"},
		&cli.StringFlag{Name: "media-root", EnvVars: []string{"DUALUSB_MEDIA_ROOT"}, Value: cfg.MediaRoot, Destination: &cfg.MediaRoot, Usage: "automount root watched by the media source"},
		&cli.DurationFlag{Name: "mount-timeout", EnvVars: []string{"DUALUSB_MOUNT_TIMEOUT"}, Value: cfg.MountTimeout, Destination: &cfg.MountTimeout, Usage: "how long to wait for a new partition to be mounted"},
		&cli.BoolFlag{Name: "unmount-on-eject", EnvVars: []string{"DUALUSB_UNMOUNT_ON_EJECT"}, Destination: &cfg.UnmountOnEject, Usage: "unmount the external drive when it is ejected"},
		&cli.BoolFlag{Name: "watch-udc", EnvVars: []string{"DUALUSB_WATCH_UDC"}, Value: cfg.WatchUDC, Destination: &cfg.WatchUDC, Usage: "poll the gadget controller state for host computer attach/detach"},
		&cli.StringFlag{Name: "udc", EnvVars: []string{"DUALUSB_UDC"}, Destination: &cfg.UDC, Usage: "USB device controller name (default: first found)"},
		&cli.StringFlag{Name: "udc-root", EnvVars: []string{"DUALUSB_UDC_ROOT"}, Value: cfg.UDCRoot, Destination: &cfg.UDCRoot},
		&cli.DurationFlag{Name: "udc-interval", EnvVars: []string{"DUALUSB_UDC_INTERVAL"}, Value: cfg.UDCInterval, Destination: &cfg.UDCInterval},
		&cli.StringFlag{Name: "policy-db", EnvVars: []string{"DUALUSB_POLICY_DB"}, Value: cfg.PolicyDB, Destination: &cfg.PolicyDB, Usage: "sqlite database holding the external drive block list"},
		&cli.BoolFlag{Name: "deauthorize", EnvVars: []string{"DUALUSB_DEAUTHORIZE"}, Value: cfg.Deauthorize, Destination: &cfg.Deauthorize, Usage: "remove refused external devices from the USB bus"},
		&cli.BoolFlag{Name: "require-serial", EnvVars: []string{"DUALUSB_REQUIRE_SERIAL"}, Destination: &cfg.RequireSerial, Usage: "refuse external drives without a serial number"},
		&cli.StringFlag{Name: "listen", EnvVars: []string{"DUALUSB_LISTEN"}, Value: cfg.Listen, Destination: &cfg.Listen, Usage: "operator API address (empty disables it)"},
		&cli.DurationFlag{Name: "lock-timeout", EnvVars: []string{"DUALUSB_LOCK_TIMEOUT"}, Value: cfg.LockTimeout, Destination: &cfg.LockTimeout},
		&cli.DurationFlag{Name: "period", EnvVars: []string{"DUALUSB_PERIOD"}, Value: cfg.Period, Destination: &cfg.Period, Usage: "mode maintenance period"},
		&cli.DurationFlag{Name: "activity-poll", EnvVars: []string{"DUALUSB_ACTIVITY_POLL"}, Value: cfg.ActivityPoll, Destination: &cfg.ActivityPoll},
		&cli.DurationFlag{Name: "activity-decay", EnvVars: []string{"DUALUSB_ACTIVITY_DECAY"}, Value: cfg.ActivityDecay, Destination: &cfg.ActivityDecay},
		&cli.StringFlag{Name: "mode", EnvVars: []string{"DUALUSB_MODE"}, Value: cfg.InitialMode, Destination: &cfg.InitialMode, Usage: "device-only, host-only, dual-auto or dual-manual"},
		&cli.StringFlag{Name: "log-level", EnvVars: []string{"DUALUSB_LOG_LEVEL"}, Value: cfg.LogLevel, Destination: &cfg.LogLevel},
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := sysutil.InitLogger(cfg.LogLevel); err != nil {
		return err
	}
	defer sysutil.Log.Sync()

	if os.Geteuid() != 0 {
		sysutil.Log.Warn("Not running as root, udev, sysfs LEDs and unmount may fail")
	}
	sysutil.Log.Info("💾 Dual-role USB storage starting...", zap.String("version", VERSION))
	sysutil.LogSugar.Infof("image=%s size=%d host-source=%s mode=%s api=%q",
		cfg.ImagePath, cfg.ImageSize, cfg.HostSource, cfg.InitialMode, cfg.Listen)

	// 状态指示灯
	var pin indicator.Pin = indicator.LogPin{Log: sysutil.Named("pin")}
	if cfg.LEDName != "" {
		pin = indicator.NewSysfsPin("", cfg.LEDName)
	}
	led := indicator.NewLED(pin, indicator.Patterns, sysutil.Named("led"))
	led.Start()
	defer led.Stop()

	img := volume.NewImage(cfg.ImagePath, cfg.ImageSize,
		volume.WithFormatIfMissing(cfg.FormatIfMissing),
		volume.WithLogger(sysutil.Named("volume")))
	volumeErr := img.Mount()
	defer img.Unmount()

	store, err := policy.Open(cfg.PolicyDB,
		policy.WithRequireSerial(cfg.RequireSerial),
		policy.WithLogger(sysutil.Named("policy")))
	if err != nil {
		return err
	}
	defer store.Close()

	// 事件源先于控制器启动, 角色重新启用时要用到它们
	usbEvents, rescan, stopHost := startHostSource(cfg)
	defer stopHost()
	busEvents, onBus, stopBus := startBusSource(cfg)
	defer stopBus()

	// 两个角色的启动和关闭函数在模式切换时由控制器调用
	var (
		device   *msc.Adapter
		hostRole *host.Adapter
	)
	ctrl := mode.New(led,
		mode.WithLogger(sysutil.Named("mode")),
		mode.WithTiming(cfg.LockTimeout, cfg.Period),
		mode.WithTeardown(mode.RoleDevice, func() error { return device.Teardown() }),
		mode.WithTeardown(mode.RoleHost, func() error { return hostRole.Teardown() }),
		mode.WithBringUp(mode.RoleDevice, func() error { return device.BringUp() }),
		mode.WithBringUp(mode.RoleHost, func() error {
			rescan()
			return nil
		}))

	act := activity.New(led,
		activity.WithTiming(cfg.ActivityPoll, cfg.ActivityDecay),
		activity.WithSettle(ctrl.IndicatorState),
		activity.WithLogger(sysutil.Named("activity")))
	act.Start()
	defer act.Stop()

	deviceOpts := []msc.Option{
		msc.WithActivity(act),
		msc.WithNotifier(ctrl),
		msc.WithFaulter(ctrl),
		msc.WithLogger(sysutil.Named("msc")),
	}
	if onBus != nil {
		deviceOpts = append(deviceOpts, msc.WithBusCheck(onBus))
	}
	device = msc.New(img, led, deviceOpts...)

	hostOpts := []host.Option{
		host.WithActivity(act),
		host.WithNotifier(ctrl),
		host.WithPolicy(store),
		host.WithRoleGate(func() bool { return ctrl.Mode().Allows(mode.RoleHost) }),
		host.WithUnmountOnEject(cfg.UnmountOnEject),
		host.WithLogger(sysutil.Named("host")),
	}
	if cfg.Deauthorize {
		hostOpts = append(hostOpts, host.WithDeauthorize(policy.Deauthorize))
	}
	hostRole = host.New(led, hostOpts...)

	if err := ctrl.Init(); err != nil {
		return err
	}
	defer ctrl.Deinit()
	if err := ctrl.SetMode(cfg.Mode()); err != nil {
		return err
	}
	if volumeErr != nil {
		sysutil.Log.Error("Volume mount failed", zap.String("image", cfg.ImagePath), zap.Error(volumeErr))
		ctrl.Fault("storage unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	apiErr := make(chan error, 1)
	if cfg.Listen != "" {
		srv := api.New(ctrl, device, hostRole,
			api.WithRules(store),
			api.WithLogger(sysutil.Named("api")))
		go func() { apiErr <- srv.ListenAndServe(ctx, cfg.Listen) }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case ev := <-usbEvents:
			handleUSBEvent(hostRole, ev)

		case ev := <-busEvents:
			if ev.Attached {
				sysutil.Log.Info("🖥️ Host computer attached", zap.String("udc", ev.Source))
				device.BusAttached()
			} else {
				sysutil.Log.Info("Host computer detached", zap.String("udc", ev.Source))
				device.BusDetached()
			}

		case err := <-apiErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				sysutil.Log.Error("Operator API stopped", zap.Error(err))
			}
			apiErr = nil

		case <-sigCh:
			sysutil.Log.Info("Shutting down...")
			cancel()
			if err := hostRole.Teardown(); err != nil {
				sysutil.Log.Warn("External drive eject failed", zap.Error(err))
			}
			device.Eject()
			device.BusDetached()
			return nil
		}
	}
}

func handleUSBEvent(hostRole *host.Adapter, ev model.USBEvent) {
	switch ev.Action {
	case model.ActionAttach:
		sysutil.Log.Info("✅ USB drive connected",
			zap.String("dev", ev.DevicePath),
			zap.String("mount", ev.MountPoint),
			zap.String("product", ev.Product),
			zap.String("type", ev.DeviceType))
	case model.ActionDetach:
		sysutil.Log.Info("❌ USB drive removed", zap.String("dev", ev.DevicePath))
	}

	err := hostRole.HandleEvent(ev)
	switch {
	case err == nil:
	case errors.Is(err, host.ErrDenied):
		sysutil.Log.Error("🚨 USB drive refused", zap.String("dev", ev.DevicePath), zap.Error(err))
	case errors.Is(err, host.ErrRoleDisabled), errors.Is(err, host.ErrBusy):
		sysutil.Log.Info("USB drive ignored", zap.String("dev", ev.DevicePath), zap.Error(err))
	default:
		sysutil.Log.Error("USB drive attach failed", zap.String("dev", ev.DevicePath), zap.Error(err))
	}
}

func nop() {}

// startHostSource 事件源不可用时返回 nil 通道, select 永远不会选中它.
// rescan 重新上报已接入的外接设备.
func startHostSource(cfg config.Config) (events <-chan model.USBEvent, rescan, stop func()) {
	log := sysutil.Named("watcher")
	opts := []watcher.Option{watcher.WithLogger(log), watcher.WithMountTimeout(cfg.MountTimeout)}
	var w watcher.DeviceWatcher
	switch cfg.HostSource {
	case config.SourceUdev:
		w = watcher.New(opts...)
	case config.SourceMedia:
		w = watcher.NewMedia(cfg.MediaRoot, opts...)
	default:
		return nil, nop, nop
	}
	events, err := w.Start()
	if err != nil {
		log.Error("External drive watcher init failed", zap.String("source", cfg.HostSource), zap.Error(err))
		return nil, nop, nop
	}
	return events, w.Rescan, w.Stop
}

// startBusSource onBus 为 nil 表示无法读取总线状态
func startBusSource(cfg config.Config) (events <-chan model.BusEvent, onBus func() bool, stop func()) {
	if !cfg.WatchUDC {
		return nil, nil, nop
	}
	p := watcher.NewUDCPoller(cfg.UDCRoot, cfg.UDC, cfg.UDCInterval, sysutil.Named("udc"))
	events, err := p.Start()
	if err != nil {
		sysutil.Log.Warn("UDC poller not started", zap.Error(err))
		return nil, nil, nop
	}
	return events, p.Attached, p.Stop
}
