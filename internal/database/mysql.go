package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

const codesSchema = `
	CREATE TABLE IF NOT EXISTS codes (
		source       VARCHAR(32) NOT NULL,
		code         VARCHAR(32) NOT NULL,
		listing_date DATE NOT NULL,
		delisted     TINYINT(1) NOT NULL DEFAULT 0,
		updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (source, code)
	)`

// MySQLDirectory keeps the instrument universe of each source in MySQL
type MySQLDirectory struct {
	db     *sql.DB
	logger *logrus.Entry
}

// NewMySQLDirectory opens and pings the MySQL connection pool
func NewMySQLDirectory(dsn string, cfg *config.MySQLConfig, logger *logrus.Logger) (*MySQLDirectory, error) {
	logger.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &MySQLDirectory{
		db:     db,
		logger: logger.WithField("component", "mysql"),
	}, nil
}

// Close closes the database connection
func (d *MySQLDirectory) Close() error {
	return d.db.Close()
}

// Health checks database health
func (d *MySQLDirectory) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return d.db.PingContext(ctx)
}

// EnsureSchema creates the codes table if missing
func (d *MySQLDirectory) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, codesSchema); err != nil {
		return fmt.Errorf("failed to create codes table: %w", err)
	}
	return nil
}

// Instruments returns the listed instruments of source ordered by code
func (d *MySQLDirectory) Instruments(ctx context.Context, source string) ([]models.Instrument, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT code, listing_date, delisted
		FROM codes
		WHERE source = ?
		ORDER BY code
	`, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query codes: %w", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.Code, &inst.ListingDate, &inst.Delisted); err != nil {
			return nil, fmt.Errorf("failed to scan code at row %d: %w", len(out)+1, err)
		}
		inst.ListingDate = models.Day(inst.ListingDate)
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{"source": source, "count": len(out)}).Debug("Instruments loaded")
	return out, nil
}

// Upsert inserts or refreshes instruments of source in one transaction
func (d *MySQLDirectory) Upsert(ctx context.Context, source string, instruments []models.Instrument) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO codes (source, code, listing_date, delisted)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			listing_date = VALUES(listing_date),
			delisted = VALUES(delisted)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		if _, err := stmt.ExecContext(ctx, source, inst.Code, inst.ListingDate, inst.Delisted); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", inst.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit codes: %w", err)
	}

	d.logger.WithFields(logrus.Fields{"source": source, "count": len(instruments)}).Info("Instrument directory updated")
	return nil
}
