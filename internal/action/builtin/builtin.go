// Package builtin provides the action handlers that ship with the
// daemon: shell commands, HTTP checks, host probes, network probes and
// systemd unit control.
package builtin

import (
	"fmt"

	"taskmill/internal/action"
	logx "taskmill/pkg/logx"
)

// Register wires every built-in handler into the registry.
func Register(reg *action.Registry, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	handlers := map[string]action.Handler{
		"shell":     NewShell(log),
		"httpcheck": NewHTTPCheck(log),
		"sysprobe":  NewSysProbe(log),
		"netprobe":  NewNetProbe(log),
		"unitctl":   NewUnitCtl(log),
	}
	for typ, h := range handlers {
		if err := reg.Register(typ, h); err != nil {
			return fmt.Errorf("register builtin %q: %w", typ, err)
		}
	}
	return nil
}
