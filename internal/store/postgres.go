// Package store is the durable-storage boundary: batches, recipients,
// send configs, and the provider-message-id index. It is authoritative for
// batch/recipient/sendConfig state (spec §5 "Shared-resource policy"); the
// hot-state manager and webhook pipeline write to it only on the
// reconciliation/webhook paths, never on the per-job hot path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// DB wraps *sql.DB with the connection pool tuning and bulk-statement helper
// the reconciliation path (C9) and webhook pipeline (C10) need.
type DB struct {
	*sql.DB
	queryTimeout time.Duration
}

// New opens a pool-tuned Postgres connection. Pool sizing follows the
// teacher's calculateOptimalPoolConfig heuristic (CPU-core scaled).
func New(ctx context.Context, databaseURL string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	numCPU := runtime.NumCPU()
	sqlDB.SetMaxOpenConns(numCPU * 8)
	sqlDB.SetMaxIdleConns(numCPU * 4)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: sqlDB, queryTimeout: 30 * time.Second}, nil
}

// RunMigrations applies every pending migration in migrationsPath.
func (db *DB) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// HealthMonitor periodically pings the database, logging failures through
// the supplied callback, until ctx is cancelled. Grounded on the teacher's
// OptimizedPostgresDB.healthMonitor ticker loop.
func (db *DB) HealthMonitor(ctx context.Context, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.PingContext(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Stats reports the current connection pool statistics.
func (db *DB) Stats() ConnectionStats {
	s := db.DB.Stats()
	util := 0.0
	if s.MaxOpenConnections > 0 {
		util = float64(s.InUse) / float64(s.MaxOpenConnections) * 100
	}
	return ConnectionStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		UtilizationPercent: util,
	}
}

type ConnectionStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	UtilizationPercent float64
}
