package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	verdictsTable = "verdicts"
	timeLayout    = "2006-01-02T15:04:05.000000000Z07:00"
)

var verdictColumns = []string{
	"attempt_id", "resource_key", "state", "should_block",
	"top_label", "top_score", "predictions", "analyzed_at",
}

// VerdictRepository persists finished attempts into Postgres or SQLite.
type VerdictRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.VerdictRepository = (*VerdictRepository)(nil)

// Open connects to the configured driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("open: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// NewVerdictRepository wires a sql.DB implementation; driver selects the placeholder format.
func NewVerdictRepository(db *sql.DB, driver string) *VerdictRepository {
	format := sq.PlaceholderFormat(sq.Question)
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &VerdictRepository{db: db, builder: sq.StatementBuilder.PlaceholderFormat(format)}
}

// Migrate creates the verdicts table when missing.
func (r *VerdictRepository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS verdicts (
			attempt_id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			state TEXT NOT NULL,
			should_block BOOLEAN NOT NULL,
			top_label TEXT NOT NULL,
			top_score DOUBLE PRECISION NOT NULL,
			predictions TEXT NOT NULL,
			analyzed_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate: create verdicts table: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS verdicts_analyzed_at_idx ON verdicts (analyzed_at)`)
	if err != nil {
		return fmt.Errorf("migrate: create analyzed_at index: %w", err)
	}
	return nil
}

// SaveVerdict inserts the verdict; a repeated attempt ID is ignored.
func (r *VerdictRepository) SaveVerdict(ctx context.Context, verdict domain.Verdict) error {
	if r.db == nil {
		return nil
	}

	predictions, err := json.Marshal(verdict.Predictions)
	if err != nil {
		return fmt.Errorf("marshal predictions: %w", err)
	}

	query, args, err := r.builder.
		Insert(verdictsTable).
		Columns(verdictColumns...).
		Values(
			verdict.AttemptID,
			string(verdict.Key),
			string(verdict.State),
			verdict.ShouldBlock,
			verdict.Top.Label,
			verdict.Top.Score,
			string(predictions),
			verdict.AnalyzedAt.UTC().Format(timeLayout),
		).
		Suffix("ON CONFLICT (attempt_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// RecentVerdicts returns up to limit verdicts, newest first.
func (r *VerdictRepository) RecentVerdicts(ctx context.Context, limit int) ([]domain.Verdict, error) {
	if r.db == nil || limit <= 0 {
		return []domain.Verdict{}, nil
	}

	query, args, err := r.builder.
		Select(verdictColumns...).
		From(verdictsTable).
		OrderBy("analyzed_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}

	result := make([]domain.Verdict, 0, limit)
	for rows.Next() {
		var (
			v           domain.Verdict
			key, state  string
			predictions string
			analyzedAt  string
		)
		if err := rows.Scan(&v.AttemptID, &key, &state, &v.ShouldBlock, &v.Top.Label, &v.Top.Score, &predictions, &analyzedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.Key = domain.ResourceKey(key)
		v.State = domain.AnalysisState(state)
		if err := json.Unmarshal([]byte(predictions), &v.Predictions); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode predictions: %w", err)
		}
		if v.AnalyzedAt, err = time.Parse(timeLayout, analyzedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("parse analyzed_at: %w", err)
		}
		result = append(result, v)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return result, nil
}
