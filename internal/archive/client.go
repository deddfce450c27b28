// Package archive keeps an SQL audit trail of completed conversations.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
	"github.com/Kocoro-lab/clarifier/internal/metrics"
	"github.com/Kocoro-lab/clarifier/internal/state"
)

var (
	// ErrNotFound is returned by Get for an unknown id
	ErrNotFound = errors.New("archived conversation not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("archive closed")
)

// Config holds archive configuration
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite3 or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.DSN == "" && c.Driver == "sqlite3" {
		c.DSN = "file:clarifier_archive.db?_busy_timeout=5000"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 2
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Client writes archive records through a small worker pool
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config Config

	queue    chan *Record
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	// mu orders enqueues against Close so no record lands after the final drain
	mu     sync.RWMutex
	closed bool
}

// Open connects to the configured database, creates the schema and starts the workers
func Open(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive dsn is required for driver %s", cfg.Driver)
	}

	rawDB, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	c := New(rawDB, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}
	if err := c.EnsureSchema(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("Archive initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("workers", cfg.Workers),
	)
	return c, nil
}

// New wraps an open handle and starts the workers
func New(db *sqlx.DB, cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		db:     circuitbreaker.NewDatabaseWrapper(db, "archive", logger),
		logger: logger,
		config: cfg,
		queue:  make(chan *Record, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// EnsureSchema creates the archive table if it does not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// Archive queues st for writing. A full queue falls back to a synchronous write so
// records are not dropped.
func (c *Client) Archive(ctx context.Context, st *state.ConversationState) error {
	rec, err := NewRecord(st)
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode archive record: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- rec:
		return nil
	default:
		c.logger.Warn("Archive queue is full, falling back to synchronous write",
			zap.String("conversation_id", rec.ID))
		return c.Save(ctx, rec)
	}
}

// Save writes rec, replacing an earlier record with the same id
func (c *Client) Save(ctx context.Context, rec *Record) error {
	_, err := c.db.ExecContext(ctx, upsertRecord,
		rec.ID, rec.Input, rec.EntityName, rec.Intent, rec.FinalAnswer,
		rec.RelevanceScore, rec.CompletenessScore, rec.RefinementRounds, rec.LoopGuardTripped,
		rec.Degraded, rec.Snapshot, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		metrics.ArchiveWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save archive record: %w", err)
	}
	metrics.ArchiveWrites.WithLabelValues("ok").Inc()
	return nil
}

// Get loads the archived record for id
func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := c.db.GetContext(ctx, &rec, selectRecord, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load archive record: %w", err)
	}
	return &rec, nil
}

// Ping checks database connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Pending is the number of records waiting for a worker
func (c *Client) Pending() int { return len(c.queue) }

func (c *Client) IsCircuitBreakerOpen() bool { return c.db.IsCircuitBreakerOpen() }

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Archive worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Archive worker stopped", zap.Int("worker_id", id))
			return
		case rec := <-c.queue:
			c.write(rec)
		}
	}
}

func (c *Client) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	if err := c.Save(ctx, rec); err != nil {
		c.logger.Error("Failed to archive conversation",
			zap.String("conversation_id", rec.ID),
			zap.Error(err),
		)
	}
}

// drainQueue writes what is left in the queue during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case rec := <-c.queue:
			c.write(rec)
		case <-timeout:
			c.logger.Warn("Timeout draining archive queue")
			return
		default:
			return
		}
	}
}

// Close stops the workers after they drain the queue and closes the database
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}
