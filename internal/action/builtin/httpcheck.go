package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskmill/internal/action"
	"taskmill/internal/metrics"
	"taskmill/internal/task/engine"
	logx "taskmill/pkg/logx"
)

// HTTPCheck probes an HTTP endpoint and records the round-trip latency
// as http_latency_ms.
//
// Params:
//
//	url           string            required
//	method        string            default GET
//	expect_status int               default 200
//	max_latency   string            fail when the round trip exceeds this
//	headers       map[string]string
type HTTPCheck struct {
	log    logx.Logger
	client *http.Client
}

func NewHTTPCheck(log logx.Logger) *HTTPCheck {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPCheck{
		log: log,
		// The per-action deadline comes through ctx; this timeout is the
		// hard backstop.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (h *HTTPCheck) Run(ctx context.Context, p action.Params, rec *action.Recorder) error {
	url := strings.TrimSpace(p.String("url"))
	if url == "" {
		return engine.NoRetry(errors.New("httpcheck: url is required"))
	}
	method := strings.ToUpper(p.StringOr("method", http.MethodGet))
	expect := p.IntOr("expect_status", http.StatusOK)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("httpcheck: %w", err))
	}
	for k, v := range p.StringMap("headers") {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("httpcheck: %s %s: %w", method, url, err)
	}
	// The body content is irrelevant; drain a little so the connection
	// can be reused, then close.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	_ = resp.Body.Close()

	latency := time.Since(start)
	rec.Observe(metrics.SeriesHTTPLatency, float64(latency.Milliseconds()))

	h.log.Debug("httpcheck",
		logx.String("task", rec.Task),
		logx.String("url", url),
		logx.Int("status", resp.StatusCode),
		logx.Duration("latency", latency),
	)

	if resp.StatusCode != expect {
		err := fmt.Errorf("httpcheck: %s %s: status %d, want %d", method, url, resp.StatusCode, expect)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				return engine.RetryAfter(err, after)
			}
			return err
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout:
			// Client errors don't fix themselves between attempts.
			return engine.NoRetry(err)
		default:
			return err
		}
	}

	if budget, ok := p.Duration("max_latency"); ok && latency > budget {
		return fmt.Errorf("httpcheck: %s %s: latency %s over budget %s", method, url, latency, budget)
	}
	return nil
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is
// rare enough to ignore.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
