//go:build !linux

package desktop

import (
	"errors"

	logx "notifyd/pkg/logx"
)

func newDBus(Config, SlotStore, logx.Logger) (Backend, error) {
	return nil, errors.New("freedesktop notifications need linux")
}
