//go:build linux

package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"taskmill/internal/action"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

// UnitCtl drives systemd units over D-Bus.
//
// Params:
//
//	unit string required; ".service" is appended when no suffix is given
//	op   string start|stop|restart|status (default status)
//
// status records unit_active (1 active, 0 otherwise) and fails the
// action when the unit is not active, so it composes with retries and
// alert rules.
type UnitCtl struct {
	log logx.Logger
}

func NewUnitCtl(log logx.Logger) *UnitCtl {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UnitCtl{log: log}
}

func (u *UnitCtl) Run(ctx context.Context, p action.Params, rec *action.Recorder) error {
	unit := strings.TrimSpace(p.String("unit"))
	if unit == "" {
		return engine.NoRetry(errors.New("unitctl: unit is required"))
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	op := strings.ToLower(p.StringOr("op", "status"))

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("unitctl: connect to systemd: %w", err)
	}
	defer conn.Close()

	switch op {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", nil)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", nil)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", nil)
	case "status":
		return u.status(ctx, conn, unit, rec)
	default:
		return engine.NoRetry(fmt.Errorf("unitctl: unknown op %q", op))
	}
	if err != nil {
		return fmt.Errorf("unitctl: %s %s: %w", op, unit, err)
	}

	u.log.Info("unitctl", logx.String("task", rec.Task), logx.String("op", op), logx.String("unit", unit))
	return nil
}

func (u *UnitCtl) status(ctx context.Context, conn *dbus.Conn, unit string, rec *action.Recorder) error {
	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return fmt.Errorf("unitctl: status %s: %w", unit, err)
	}
	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	load, _ := props["LoadState"].(string)

	v := 0.0
	if active == "active" {
		v = 1.0
	}
	rec.ObserveWith("unit_active", v, map[string]string{"unit": unit})

	u.log.Debug("unitctl status",
		logx.String("unit", unit),
		logx.String("active", active),
		logx.String("sub", sub),
	)

	if load == "not-found" {
		return engine.NoRetry(fmt.Errorf("unitctl: unit %s not found", unit))
	}
	if active != "active" {
		return fmt.Errorf("unitctl: unit %s is %s/%s", unit, active, sub)
	}
	return nil
}
