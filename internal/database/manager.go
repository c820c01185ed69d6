// Package database persists rate-limit bans in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "proxvoice/pkg/database"
	"proxvoice/pkg/interfaces"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrShuttingDown  = errors.New("database manager is shutting down")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrEmptyIdentity = errors.New("ban identity cannot be empty")
)

const (
	defaultRetryDelay   = 5 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Manager implements interfaces.BanStore on top of SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
	log          *zap.SugaredLogger

	retryDelay   time.Duration
	writeTimeout time.Duration
}

var _ interfaces.BanStore = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Option adjusts a Manager before its write loop starts.
type Option func(*Manager)

// WithLogger routes write loop messages to log.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithRetryDelay sets the pause before a failed write is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the database, applies pending migrations and starts the
// single writer.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, nil)
	if _, err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		log:          zap.NewNop().Sugar(),
		retryDelay:   defaultRetryDelay,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(manager)
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once
			err := op.operation(m.db)
			if err != nil {
				m.log.Warnw("database write failed, retrying", "delay", m.retryDelay, "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.log.Errorw("database write failed after retry", "error", err)
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrShuttingDown
	}
}

// SaveBan inserts or replaces the ban for ban.Identity
func (m *Manager) SaveBan(ctx context.Context, ban interfaces.Ban) error {
	if ban.Identity == "" {
		return ErrEmptyIdentity
	}
	if ban.CreatedAt.IsZero() {
		ban.CreatedAt = time.Now()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		// TECHNICAL DISCOVERY: Timestamps are stored as unix milliseconds so
		// expiry comparisons stay integer comparisons on the indexed column
		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO bans (identity, reason, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, ban.Identity, ban.Reason, ban.CreatedAt.UnixMilli(), ban.ExpiresAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save ban: %w", err)
		}
		return nil
	})
}

// DeleteBan removes a ban; a missing ban is not an error
func (m *Manager) DeleteBan(ctx context.Context, identity string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "DELETE FROM bans WHERE identity = ?", identity); err != nil {
			return fmt.Errorf("failed to delete ban: %w", err)
		}
		return nil
	})
}

// ActiveBans returns bans that expire after now, soonest first
func (m *Manager) ActiveBans(ctx context.Context, now time.Time) ([]interfaces.Ban, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, `
		SELECT identity, reason, created_at, expires_at
		FROM bans
		WHERE expires_at > ?
		ORDER BY expires_at ASC
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bans []interfaces.Ban
	for rows.Next() {
		var ban interfaces.Ban
		var created, expires int64
		if err := rows.Scan(&ban.Identity, &ban.Reason, &created, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan ban row: %w", err)
		}
		ban.CreatedAt = time.UnixMilli(created)
		ban.ExpiresAt = time.UnixMilli(expires)
		bans = append(bans, ban)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ban rows: %w", err)
	}
	return bans, nil
}

// PurgeExpiredBans deletes bans that expired at or before now
func (m *Manager) PurgeExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM bans WHERE expires_at <= ?", now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to purge bans: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// HealthCheck validates database connectivity
// FUNCTIONAL DISCOVERY: Health check validates both connectivity and basic operations
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bans").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
