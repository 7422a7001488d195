package devicecache

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// PostgresConfig holds connection settings for the relational device registry.
type PostgresConfig struct {
	DSN   string
	Table string
}

// PostgresLoader reads the full device mapping set from a relational store.
// This is the canonical loader: the device registry of the wider platform
// lives in Postgres.
type PostgresLoader struct {
	db     *sqlx.DB
	table  string
	logger zerolog.Logger
}

// NewPostgresLoader connects to Postgres and verifies the connection.
func NewPostgresLoader(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresLoader, error) {
	if cfg.Table == "" {
		cfg.Table = "devices"
	}
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info().Str("table", cfg.Table).Msg("Connected to Postgres device registry.")
	return &PostgresLoader{
		db:     db,
		table:  cfg.Table,
		logger: logger.With().Str("component", "PostgresLoader").Logger(),
	}, nil
}

// LoadAll selects every provisioned radio device.
func (l *PostgresLoader) LoadAll(ctx context.Context) ([]DeviceMapping, error) {
	query := fmt.Sprintf(
		`SELECT device_id, dev_eui, tenant_id, COALESCE(device_name, '') AS device_name, protocol
		   FROM %s
		  WHERE dev_eui IS NOT NULL AND dev_eui <> ''`, l.table)

	var mappings []DeviceMapping
	if err := l.db.SelectContext(ctx, &mappings, query); err != nil {
		return nil, fmt.Errorf("select device mappings: %w", err)
	}
	l.logger.Debug().Int("rows", len(mappings)).Msg("Loaded device mappings from Postgres.")
	return mappings, nil
}

// Close releases the database pool.
func (l *PostgresLoader) Close() error {
	return l.db.Close()
}
