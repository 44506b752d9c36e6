package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/marcboeker/go-duckdb"

	"seriesview/internal/config"
	"seriesview/internal/errors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource reads samples from a DuckDB table (series VARCHAR, t DOUBLE, v DOUBLE).
type SQLSource struct {
	db    *sql.DB
	table string
	query string
}

// NewSQLSource opens the database at cfg.DSN (empty for in-memory) and
// creates the table when missing.
func NewSQLSource(ctx context.Context, cfg config.DuckDBConfig) (*SQLSource, error) {
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, errors.ErrInvalidConfiguration.WithDetails(fmt.Sprintf("invalid duckdb table name %q", cfg.Table))
	}

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFail, "failed to open duckdb")
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (series VARCHAR, t DOUBLE, v DOUBLE)`, cfg.Table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFail, "failed to create samples table")
	}

	return &SQLSource{
		db:    db,
		table: cfg.Table,
		query: fmt.Sprintf(`SELECT t, v FROM %s WHERE series = ? AND t BETWEEN ? AND ? ORDER BY t`, cfg.Table),
	}, nil
}

func (s *SQLSource) Name() string { return TypeDuckDB }

// Fetch runs the range query for id.
func (s *SQLSource) Fetch(ctx context.Context, id string, start, end float64) ([]Sample, error) {
	if end < start {
		return nil, errors.ErrInvalidRange
	}

	return observe(TypeDuckDB, func() ([]Sample, error) {
		rows, err := s.db.QueryContext(ctx, s.query, id, start, end)
		if err != nil {
			return nil, sourceError(TypeDuckDB, err)
		}
		defer rows.Close()

		var out []Sample
		for rows.Next() {
			var smp Sample
			if err := rows.Scan(&smp.Timestamp, &smp.Value); err != nil {
				return nil, sourceError(TypeDuckDB, err)
			}
			out = append(out, smp)
		}
		if err := rows.Err(); err != nil {
			return nil, sourceError(TypeDuckDB, err)
		}
		return out, nil
	})
}

// Insert appends samples for id in one transaction.
func (s *SQLSource) Insert(ctx context.Context, id string, samples []Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFail, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (series, t, v) VALUES (?, ?, ?)`, s.table))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to prepare insert")
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, id, smp.Timestamp, smp.Value); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert sample")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit samples")
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLSource) Close() error {
	return s.db.Close()
}
