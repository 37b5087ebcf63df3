package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	st "github.com/showwin/speedtest-go/speedtest"

	"taskmill/internal/action"
	"taskmill/internal/metrics"
	logx "taskmill/pkg/logx"
)

// NetProbe runs a bandwidth and latency measurement against the nearest
// speedtest server and records net_download_mbps, net_upload_mbps and
// net_ping_ms.
//
// Params:
//
//	candidates  int  servers to ping before picking one (default 5)
//	saving_mode bool trade accuracy for lower memory use
type NetProbe struct {
	log logx.Logger
}

func NewNetProbe(log logx.Logger) *NetProbe {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NetProbe{log: log}
}

func (n *NetProbe) Run(ctx context.Context, p action.Params, rec *action.Recorder) error {
	// A dedicated client per run; the package-level default client keeps
	// a DataManager that retains large chunks across runs.
	client := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode: p.Bool("saving_mode"),
	}))
	defer func() {
		client.Snapshots().Clean()
		client.Reset()
	}()

	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return fmt.Errorf("netprobe: fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return errors.New("netprobe: no servers available")
	}

	// Closest candidates by distance first (cheap), then pick the lowest
	// latency among those.
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := p.IntOr("candidates", 5)
	if candidates <= 0 {
		candidates = 5
	}
	if candidates > len(servers) {
		candidates = len(servers)
	}

	var best *st.Server
	for _, srv := range servers[:candidates] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := srv.PingTestContext(ctx, nil); err != nil || srv.Latency <= 0 {
			continue
		}
		if best == nil || srv.Latency < best.Latency {
			best = srv
		}
	}
	if best == nil {
		return errors.New("netprobe: all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return fmt.Errorf("netprobe: download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return fmt.Errorf("netprobe: upload test: %w", err)
	}

	down := best.DLSpeed.Mbps()
	up := best.ULSpeed.Mbps()
	ping := float64(best.Latency.Milliseconds())

	rec.Observe(metrics.SeriesNetDownload, down)
	rec.Observe(metrics.SeriesNetUpload, up)
	rec.Observe(metrics.SeriesNetPing, ping)

	n.log.Info("netprobe finished",
		logx.String("task", rec.Task),
		logx.String("server", best.Sponsor),
		logx.Float64("download_mbps", down),
		logx.Float64("upload_mbps", up),
		logx.Float64("ping_ms", ping),
	)
	return nil
}
