package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanzch/qds/internal/executor"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var (
	barColumns    = []string{"code", "ts", "open", "high", "low", "close", "volume", "amount"}
	factorColumns = []string{"code", "trade_date", "adj_factor"}
)

type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// PostgresStore appends datasets to per-kind PostgreSQL (or TimescaleDB)
// tables with COPY.
type PostgresStore struct {
	pool   *pgxpool.Pool
	db     copier
	schema string
	logger *logrus.Entry
}

// NewPostgresStore connects a pool and pings it
func NewPostgresStore(ctx context.Context, cfg *config.PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		db:     pool,
		schema: cfg.Schema,
		logger: logger.WithField("component", "postgres"),
	}, nil
}

// Close closes the pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health pings the database
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureTable creates the schema and the table for kind if missing
func (s *PostgresStore) EnsureTable(ctx context.Context, table string, kind models.DataKind) error {
	ident := pgx.Identifier{s.schema, table}.Sanitize()

	var ddl string
	if kind == models.KindAdj {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			code       TEXT NOT NULL,
			trade_date DATE NOT NULL,
			adj_factor DOUBLE PRECISION
		)`, ident)
	} else {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			code   TEXT NOT NULL,
			ts     TIMESTAMPTZ NOT NULL,
			open   DOUBLE PRECISION,
			high   DOUBLE PRECISION,
			low    DOUBLE PRECISION,
			close  DOUBLE PRECISION,
			volume DOUBLE PRECISION,
			amount DOUBLE PRECISION
		)`, ident)
	}

	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", s.schema, err)
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// Append copies ds into schema.table
func (s *PostgresStore) Append(ctx context.Context, table string, ds *models.Dataset) error {
	ident := pgx.Identifier{s.schema, table}

	if len(ds.Bars) > 0 {
		n, err := s.db.CopyFrom(ctx, ident, barColumns, pgx.CopyFromRows(barRows(ds.Bars)))
		if err != nil {
			return fmt.Errorf("copy %d bars into %s: %w", len(ds.Bars), table, pgError(err))
		}
		s.logger.WithFields(logrus.Fields{"table": table, "rows": n}).Debug("Bars copied")
	}
	if len(ds.Factors) > 0 {
		n, err := s.db.CopyFrom(ctx, ident, factorColumns, pgx.CopyFromRows(factorRows(ds.Factors)))
		if err != nil {
			return fmt.Errorf("copy %d factors into %s: %w", len(ds.Factors), table, pgError(err))
		}
		s.logger.WithFields(logrus.Fields{"table": table, "rows": n}).Debug("Factors copied")
	}
	return nil
}

func barRows(bars []models.Bar) [][]any {
	rows := make([][]any, len(bars))
	for i, b := range bars {
		rows[i] = []any{b.Code, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount}
	}
	return rows
}

func factorRows(factors []models.AdjFactor) [][]any {
	rows := make([][]any, len(factors))
	for i, f := range factors {
		rows[i] = []any{f.Code, f.Date, f.Factor}
	}
	return rows
}

// pgError marks schema and authorization errors as fatal: undefined table
// or column, datatype mismatch and invalid authorization.
func pgError(err error) error {
	var perr *pgconn.PgError
	if !errors.As(err, &perr) {
		return err
	}
	switch {
	case perr.Code == "42P01", perr.Code == "42703", perr.Code == "42804",
		strings.HasPrefix(perr.Code, "28"):
		return fmt.Errorf("%w: %w", executor.ErrFatalStore, err)
	}
	return err
}
