//go:build !linux

package watcher

import "github.com/Hara602/dualusb/internal/model"

type otherWatcher struct{}

func newWatcher(options) DeviceWatcher { return otherWatcher{} }

func (otherWatcher) Start() (<-chan model.USBEvent, error) { return nil, ErrUnsupported }
func (otherWatcher) Rescan()                               {}
func (otherWatcher) Stop()                                 {}
