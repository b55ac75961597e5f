// ABOUTME: SQLite usage ledger of provider exchanges using modernc.org/sqlite
// ABOUTME: Records one row per model call and aggregates token and latency stats per provider

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width UTC so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Exchange is one provider call made on behalf of a group.
type Exchange struct {
	ID           string
	GroupID      int64
	Provider     string
	Model        string
	OK           bool
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	CreatedAt    time.Time
}

// Filter narrows Stats. Nil fields are not applied.
type Filter struct {
	GroupID *int64
	Since   *time.Time
}

// ProviderStats aggregates the exchanges of one provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Stats is the result of a usage query.
type Stats struct {
	Providers    []ProviderStats `json:"providers"`
	Requests     int64           `json:"requests"`
	Failures     int64           `json:"failures"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
}

// Ledger stores exchanges in SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at path, creating parent
// directories and the schema as needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode so stats reads do not block recording
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("usage ledger initialized", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS exchanges (
			id            TEXT PRIMARY KEY,
			group_id      INTEGER NOT NULL,
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL DEFAULT '',
			ok            INTEGER NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
		CREATE INDEX IF NOT EXISTS idx_exchanges_group ON exchanges(group_id, created_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record stores one exchange. A missing ID or CreatedAt is filled in.
func (l *Ledger) Record(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO exchanges (
			id, group_id, provider, model, ok,
			input_tokens, output_tokens, latency_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		ex.ID,
		ex.GroupID,
		ex.Provider,
		ex.Model,
		boolToInt(ex.OK),
		ex.InputTokens,
		ex.OutputTokens,
		ex.Latency.Milliseconds(),
		ex.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}

	l.logger.Debug("recorded exchange",
		"id", ex.ID,
		"group_id", ex.GroupID,
		"provider", ex.Provider,
		"ok", ex.OK,
		"input_tokens", ex.InputTokens,
		"output_tokens", ex.OutputTokens,
	)
	return nil
}

// Stats aggregates recorded exchanges by provider, applying the filter.
func (l *Ledger) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	query := `
		SELECT
			provider,
			COUNT(*) AS requests,
			COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0) AS failures,
			COALESCE(SUM(input_tokens), 0) AS total_input,
			COALESCE(SUM(output_tokens), 0) AS total_output,
			COALESCE(AVG(latency_ms), 0) AS avg_latency
		FROM exchanges
		WHERE 1=1
	`
	args := []any{}

	if filter.GroupID != nil {
		query += " AND group_id = ?"
		args = append(args, *filter.GroupID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	query += " GROUP BY provider ORDER BY provider"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{Providers: []ProviderStats{}}
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Requests, &ps.Failures, &ps.InputTokens, &ps.OutputTokens, &ps.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		stats.Providers = append(stats.Providers, ps)
		stats.Requests += ps.Requests
		stats.Failures += ps.Failures
		stats.InputTokens += ps.InputTokens
		stats.OutputTokens += ps.OutputTokens
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	return stats, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
