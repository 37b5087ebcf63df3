package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"taskmill/internal/action"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

// outputTail bounds how much command output ends up in logs and errors.
const outputTail = 2048

// Shell runs a command line through the system shell.
//
// Params:
//
//	command  string            required; passed to "sh -c"
//	dir      string            working directory
//	env      map[string]string appended to the daemon environment
//	ok_codes []int             exit codes treated as success besides 0
type Shell struct {
	log logx.Logger
}

func NewShell(log logx.Logger) *Shell {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Shell{log: log}
}

func (s *Shell) Run(ctx context.Context, p action.Params, rec *action.Recorder) error {
	command := strings.TrimSpace(p.String("command"))
	if command == "" {
		return engine.NoRetry(errors.New("shell: command is required"))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir := strings.TrimSpace(p.String("dir")); dir != "" {
		cmd.Dir = dir
	}
	if env := p.StringMap("env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			// Spawn failure (missing shell, bad dir); retrying won't help.
			return engine.NoRetry(fmt.Errorf("shell: %w", err))
		}
	}
	rec.Observe("shell_exit_code", float64(exitCode))

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if exitCode != 0 && !codeAllowed(exitCode, p) {
		s.log.Debug("shell command failed",
			logx.String("task", rec.Task),
			logx.Int("exit_code", exitCode),
			logx.String("output", tail(out.Bytes(), outputTail)),
		)
		return fmt.Errorf("shell: exit code %d: %s", exitCode, tail(out.Bytes(), 256))
	}

	s.log.Debug("shell command ok", logx.String("task", rec.Task), logx.Int("exit_code", exitCode))
	return nil
}

func codeAllowed(code int, p action.Params) bool {
	for _, s := range p.StringSlice("ok_codes") {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err == nil && n == code {
			return true
		}
	}
	return false
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
