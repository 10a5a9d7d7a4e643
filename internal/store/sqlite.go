package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelmux/modelmux/internal/observe"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency. In-memory
	// databases exist per connection, so they get exactly one.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			request_id TEXT NOT NULL DEFAULT '',
			decision_id TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 1,
			latency_ms REAL NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			fallback_used INTEGER NOT NULL DEFAULT 0,
			fallback_reason TEXT NOT NULL DEFAULT '',
			anthropic_429 INTEGER NOT NULL DEFAULT 0,
			embedding_fallback INTEGER NOT NULL DEFAULT 0,
			denied INTEGER NOT NULL DEFAULT 0,
			denied_reason TEXT NOT NULL DEFAULT '',
			win_signal REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_bucket ON decisions(bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_provider ON decisions(provider)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LogDecision(ctx context.Context, rec observe.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var win sql.NullFloat64
	if rec.WinSignal != nil {
		win = sql.NullFloat64{Float64: *rec.WinSignal, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO decisions (
			timestamp, request_id, decision_id, bucket, provider, model,
			success, latency_ms, prompt_tokens, completion_tokens, cost_usd,
			fallback_used, fallback_reason, anthropic_429, embedding_fallback,
			denied, denied_reason, win_signal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.RequestID, rec.DecisionID, rec.Bucket, rec.Provider, rec.Model,
		rec.Success, rec.LatencyMs, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD,
		rec.FallbackUsed, rec.FallbackReason, rec.Anthropic429, rec.EmbeddingFallback,
		rec.Denied, rec.DeniedReason, win,
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

const decisionColumns = `id, timestamp, request_id, decision_id, bucket, provider, model,
	success, latency_ms, prompt_tokens, completion_tokens, cost_usd,
	fallback_used, fallback_reason, anthropic_429, embedding_fallback,
	denied, denied_reason, win_signal`

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]DecisionRow, error) {
	var conds []string
	var args []any
	if filter.Bucket != "" {
		conds = append(conds, "bucket = ?")
		args = append(args, filter.Bucket)
	}
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp > ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+decisionColumns+" FROM decisions"+where+
			" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		row, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentRecords(ctx context.Context, since time.Time) ([]observe.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+decisionColumns+" FROM decisions WHERE timestamp > ? ORDER BY timestamp ASC",
		since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	defer rows.Close()

	var out []observe.Record
	for rows.Next() {
		row, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row.Record)
	}
	return out, rows.Err()
}

func scanDecision(rows *sql.Rows) (DecisionRow, error) {
	var row DecisionRow
	var ts string
	var win sql.NullFloat64
	err := rows.Scan(&row.ID, &ts, &row.RequestID, &row.DecisionID,
		&row.Bucket, &row.Provider, &row.Model,
		&row.Success, &row.LatencyMs, &row.PromptTokens, &row.CompletionTokens, &row.CostUSD,
		&row.FallbackUsed, &row.FallbackReason, &row.Anthropic429, &row.EmbeddingFallback,
		&row.Denied, &row.DeniedReason, &win)
	if err != nil {
		return row, fmt.Errorf("scan decision: %w", err)
	}
	if t, perr := time.Parse(timeLayout, ts); perr == nil {
		row.Timestamp = t
	}
	if win.Valid {
		v := win.Float64
		row.WinSignal = &v
	}
	return row, nil
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(timeLayout),
		entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	if err != nil {
		return fmt.Errorf("log audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Resource, &e.Detail, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if t, perr := time.Parse(timeLayout, ts); perr == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
