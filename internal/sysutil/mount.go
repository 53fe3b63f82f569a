package sysutil

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

// ErrMountTimeout 等待挂载超时
var ErrMountTimeout = errors.New("mount point not found before timeout")

// MountsFile 挂载表路径, 测试时可替换
var MountsFile = "/proc/mounts"

// WaitForMount 轮询挂载表等待设备挂载
// Udev 事件触发时, 文件系统可能还没挂载好, 所以每 100ms 重试一次
func WaitForMount(ctx context.Context, devPath string, timeout time.Duration) (string, error) {
	return poll(ctx, timeout, func() (string, bool) { return LookupMount(devPath) })
}

// WaitForDevice 反方向等待: 自动挂载程序先建目录后挂载, 目录出现时挂载表里可能还没有它
func WaitForDevice(ctx context.Context, mountPoint string, timeout time.Duration) (string, error) {
	return poll(ctx, timeout, func() (string, bool) { return LookupDevice(mountPoint) })
}

func poll(ctx context.Context, timeout time.Duration, lookup func() (string, bool)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if v, ok := lookup(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", ErrMountTimeout
		case <-ticker.C:
		}
	}
}

// LookupMount 在挂载表中查找设备的挂载点
func LookupMount(devPath string) (string, bool) {
	f, err := os.Open(MountsFile)
	if err != nil {
		return "", false
	}
	defer f.Close()
	return findMount(f, devPath)
}

func findMount(r io.Reader, devPath string) (string, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devPath {
			// /proc/mounts 中空格被转义为 \040
			return strings.ReplaceAll(fields[1], `\040`, " "), true
		}
	}
	return "", false
}

// LookupDevice 按挂载点反查设备
func LookupDevice(mountPoint string) (string, bool) {
	f, err := os.Open(MountsFile)
	if err != nil {
		return "", false
	}
	defer f.Close()
	return findDevice(f, mountPoint)
}

func findDevice(r io.Reader, mountPoint string) (string, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && strings.ReplaceAll(fields[1], `\040`, " ") == mountPoint {
			return fields[0], true
		}
	}
	return "", false
}
