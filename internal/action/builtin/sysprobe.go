package builtin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"taskmill/internal/action"
	"taskmill/internal/metrics"
	logx "taskmill/pkg/logx"
)

// SysProbe samples host utilization from /proc and records system_cpu
// and system_memory as percentages.
type SysProbe struct {
	log logx.Logger

	// Overridable for tests.
	loadavgPath string
	meminfoPath string
}

func NewSysProbe(log logx.Logger) *SysProbe {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SysProbe{log: log, loadavgPath: "/proc/loadavg", meminfoPath: "/proc/meminfo"}
}

func (s *SysProbe) Run(ctx context.Context, _ action.Params, rec *action.Recorder) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cpu, err := s.cpuPercent()
	if err != nil {
		return fmt.Errorf("sysprobe: %w", err)
	}
	mem, err := s.memPercent()
	if err != nil {
		return fmt.Errorf("sysprobe: %w", err)
	}

	rec.Observe(metrics.SeriesCPU, cpu)
	rec.Observe(metrics.SeriesMemory, mem)
	s.log.Debug("sysprobe", logx.Float64("cpu", cpu), logx.Float64("memory", mem))
	return nil
}

// cpuPercent approximates utilization as 1-minute load over core count.
// Values above 100 mean the run queue outgrew the cores.
func (s *SysProbe) cpuPercent() (float64, error) {
	b, err := os.ReadFile(s.loadavgPath)
	if err != nil {
		return 0, err
	}
	load1, err := parseLoadavg(string(b))
	if err != nil {
		return 0, err
	}
	return load1 / float64(runtime.NumCPU()) * 100, nil
}

func (s *SysProbe) memPercent() (float64, error) {
	b, err := os.ReadFile(s.meminfoPath)
	if err != nil {
		return 0, err
	}
	return parseMeminfo(string(b))
}

func parseLoadavg(content string) (float64, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0, fmt.Errorf("loadavg: empty")
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("loadavg: %w", err)
	}
	return load1, nil
}

// parseMeminfo computes used percent from MemTotal and MemAvailable.
func parseMeminfo(content string) (float64, error) {
	var total, avail float64
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			avail, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total <= 0 {
		return 0, fmt.Errorf("meminfo: MemTotal missing")
	}
	return (total - avail) / total * 100, nil
}
