package report

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Table is the error report table written by PostgresSink.
const Table = "dfpp_error_report"

const schema = `CREATE TABLE IF NOT EXISTS ` + Table + ` (
	id           BIGSERIAL PRIMARY KEY,
	run_id       TEXT        NOT NULL,
	stage        TEXT        NOT NULL,
	indicator_id TEXT        NOT NULL,
	source_id    TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	error        TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
)`

// PostgresSink appends rows to a Postgres table.
type PostgresSink struct {
	db *sqlx.DB
	qb sq.StatementBuilderType
}

// NewPostgresSink wraps an open connection.
func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// OpenPostgres connects to dsn and makes sure the report table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("report: connect: %w", err)
	}
	s := NewPostgresSink(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the report table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("report: create table: %w", err)
	}
	return nil
}

// Append implements Sink. All rows go in one statement.
func (s *PostgresSink) Append(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	insert := s.qb.Insert(Table).
		Columns("run_id", "stage", "indicator_id", "source_id", "kind", "error", "created_at")
	for _, r := range rows {
		insert = insert.Values(r.RunID, r.Stage, r.IndicatorID, r.SourceID, r.Kind, r.Error, r.At.UTC())
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("report: build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// Rows returns the rows recorded for runID.
func (s *PostgresSink) Rows(ctx context.Context, runID string) ([]Row, error) {
	query, args, err := s.qb.
		Select("run_id", "stage", "indicator_id", "source_id", "kind", "error", "created_at").
		From(Table).
		Where(sq.Eq{"run_id": runID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("report: build select: %w", err)
	}
	var rows []Row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("report: select: %w", err)
	}
	return rows, nil
}

// Close closes the connection.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
