//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"taskmill/internal/alerting"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps each record as a JSON body plus the columns needed
// for filtering and pruning. The Store interface carries no contexts;
// every statement runs under a short internal timeout so a wedged
// database cannot stall the scheduler.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cfg Config

	opCount    atomic.Uint64
	pruneEvery uint64
}

const sqliteOpTimeout = 5 * time.Second

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, cfg: cfg, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate() error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteOpTimeout)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- tasks ---

func (s *sqliteStore) SaveTask(t task.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, body) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET body=excluded.body`,
		t.Name, string(body),
	)
	return err
}

func (s *sqliteStore) DeleteTask(name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE name = ?`, name)
	return err
}

func (s *sqliteStore) LoadTasks() ([]task.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			s.log.Debug("skipping unreadable task row", logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- executions ---

func (s *sqliteStore) AppendExecution(e history.Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task, ended_at, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		e.ID, e.Task, e.EndedAt.UnixMilli(), string(body),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		s.pruneExecutions()
		s.pruneMetrics()
	}
	return err
}

func (s *sqliteStore) LoadExecutions(limit int) ([]history.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT body FROM executions ORDER BY ended_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Execution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e history.Execution
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first, matching the file driver.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) pruneExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id NOT IN (
		   SELECT id FROM executions ORDER BY ended_at DESC LIMIT ?)`,
		s.cfg.ExecutionsKeep,
	)
	if err != nil {
		s.log.Debug("execution prune failed", logx.Err(err))
	}
}

// --- metrics ---

func (s *sqliteStore) AppendMetric(p metrics.Point) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics(series, at, value, body) VALUES(?,?,?,?)`,
		p.Name, p.At.UnixMilli(), p.Value, string(body),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		s.pruneMetrics()
	}
	return err
}

func (s *sqliteStore) LoadMetrics(name string, from, to time.Time) ([]metrics.Point, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT body FROM metrics WHERE at >= ? AND at <= ?`
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if name != "" {
		q += ` AND series = ?`
		args = append(args, name)
	}
	q += ` ORDER BY at`

	ctx, cancel := s.opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []metrics.Point
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p metrics.Point
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneMetrics() {
	cutoff := time.Now().Add(-s.cfg.MetricsRetention).UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE at < ?`, cutoff); err != nil {
		s.log.Debug("metric prune failed", logx.Err(err))
	}
}

// --- alerts ---

func (s *sqliteStore) SaveAlert(a alerting.Alert) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, opened_at, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		a.ID, a.OpenedAt.UnixMilli(), string(body),
	)
	return err
}

func (s *sqliteStore) LoadAlerts() ([]alerting.Alert, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM alerts ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerting.Alert
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a alerting.Alert
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- dedup ---

func (s *sqliteStore) PutDedup(key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneDedup(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}
