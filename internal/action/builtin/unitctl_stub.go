//go:build !linux

package builtin

import (
	"context"
	"errors"

	"taskmill/internal/action"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

// ErrUnsupported is returned on platforms without systemd.
var ErrUnsupported = errors.New("unitctl: systemd is only available on linux")

type UnitCtl struct {
	log logx.Logger
}

func NewUnitCtl(log logx.Logger) *UnitCtl {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UnitCtl{log: log}
}

func (u *UnitCtl) Run(context.Context, action.Params, *action.Recorder) error {
	return engine.NoRetry(ErrUnsupported)
}
