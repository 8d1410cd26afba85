// Copyright (c) 2025, the funnelsight contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides a bounded connection pool over a single on-disk
// SQLite database file.
//
// CONCURRENCY MODEL:
//
// The pool lends out pinned handles (*sql.Conn) from one underlying driver
// pool capped at MaxConns:
//   - acquire: validated handle within AcquireTimeout, else ErrAcquireTimeout
//   - Run / Query / QueryRow: scoped acquire-use-release, released on every
//     exit path including errors
//   - Transaction: one handle for the whole call, commit on return, rollback
//     and rethrow on failure
//   - WAL mode allows concurrent readers during a writer's transaction
//
// Every connection gets the same pragma set through the driver connection
// hook (WAL journal, synchronous NORMAL, busy_timeout, foreign_keys ON), so
// concurrent writers queue on SQLite's busy handler instead of failing.
//
// FAILURE MODES:
//
// Pool exhaustion, handle-creation failure and statement errors are reported
// to the caller and never retried inside the pool; retry policy is a caller
// concern (see the analytics package). A handle that fails its validation
// probe is destroyed and replaced, never returned to the idle set.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

var (
	ErrPoolClosed     = errors.New("database: pool is closed")
	ErrAcquireTimeout = errors.New("database: timed out waiting for a connection")
)

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second

	validationQuery = "SELECT 1"
)

// Config bounds the pool. Zero values fall back to the defaults below, which
// mirror the sizing the analytics workload was tuned for.
type Config struct {
	Path           string
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	CreateTimeout  time.Duration
	IdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return c
}

// Result reports the outcome of a write statement.
type Result struct {
	Changes      int64
	LastInsertID int64
}

type handle struct {
	conn     *sql.Conn
	lastUsed time.Time
}

// Pool owns the lifecycle of all database handles. Callers never hold a
// handle across calls; the scoped helpers guarantee release on every path.
type Pool struct {
	cfg Config
	db  *sql.DB

	mu      sync.Mutex
	idle    []*handle
	size    int // live handles, idle plus lent out
	pending int // acquirers currently waiting
	waiters []chan *handle
	closed  bool
	drained *sync.Cond // signaled as lent handles come home during Close

	acquireTimeouts atomic.Uint64

	reapCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var driverInit sync.Once

type pragmaExecFn func(ctx context.Context, stmt string) error

func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			return applyConnectionPragmas(ctx, func(ctx context.Context, stmt string) error {
				if _, err := conn.ExecContext(ctx, stmt, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", stmt, err)
				}
				return nil
			})
		})
	})
}

var connectionPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL", // NORMAL is safe with WAL and much faster than FULL
	"PRAGMA cache_size = -64000",  // 64MB cache (negative = KB, positive = pages)
	"PRAGMA foreign_keys = ON",
	fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
}

func applyConnectionPragmas(ctx context.Context, exec pragmaExecFn) error {
	for _, pragma := range connectionPragmas {
		if err := exec(ctx, pragma); err != nil {
			return fmt.Errorf("apply connection pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// New opens the database file, runs pending migrations and pre-warms
// MinConns handles.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	log.Info().Msgf("Initializing database at: %s", cfg.Path)

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(0)

	p := &Pool{cfg: cfg, db: db}
	p.drained = sync.NewCond(&p.mu)

	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := p.warm(); err != nil {
		db.Close()
		return nil, err
	}

	reapCtx, reapCancel := context.WithCancel(context.Background())
	p.reapCancel = reapCancel
	go p.reapLoop(reapCtx)

	log.Info().Msgf("Database initialized successfully at: %s", cfg.Path)
	return p, nil
}

// NewForTest wraps an existing sql.DB connection for testing purposes.
// No migrations run and the idle reaper is not started; the caller manages
// the underlying connection lifecycle. Intended for fault injection with
// mocked drivers.
func NewForTest(db *sql.DB) *Pool {
	p := &Pool{cfg: Config{}.withDefaults(), db: db}
	p.drained = sync.NewCond(&p.mu)
	return p
}

// warm creates MinConns handles up front so the first requests do not pay
// connection setup cost.
func (p *Pool) warm() error {
	for i := 0; i < p.cfg.MinConns; i++ {
		p.mu.Lock()
		p.size++
		p.mu.Unlock()

		h, err := p.create()
		if err != nil {
			p.forget()
			return fmt.Errorf("failed to pre-warm pool: %w", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) create() (*handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &handle{conn: conn, lastUsed: time.Now()}, nil
}

func (p *Pool) validate(ctx context.Context, h *handle) error {
	var one int
	return h.conn.QueryRowContext(ctx, validationQuery).Scan(&one)
}

// destroy closes a handle's connection and gives its capacity slot back.
func (p *Pool) destroy(h *handle) {
	_ = h.conn.Close()
	p.forget()
}

// forget releases a capacity slot after a handle died or failed to be
// created, waking one waiter so it can create a replacement.
func (p *Pool) forget() {
	p.mu.Lock()
	p.size--
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- nil // nil means "capacity freed, retry"
	}
	if p.closed {
		p.drained.Broadcast()
	}
	p.mu.Unlock()
}

// acquire returns a live, validated handle within AcquireTimeout.
func (p *Pool) acquire(ctx context.Context) (*handle, error) {
	acqCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if err := p.validate(acqCtx, h); err != nil {
				log.Warn().Err(err).Msg("discarding connection that failed validation")
				p.destroy(h)
				continue
			}
			return h, nil
		}

		if p.size < p.cfg.MaxConns {
			p.size++
			p.mu.Unlock()

			h, err := p.create()
			if err != nil {
				p.forget()
				return nil, fmt.Errorf("failed to create connection: %w", err)
			}
			if err := p.validate(acqCtx, h); err != nil {
				p.destroy(h)
				return nil, fmt.Errorf("new connection failed validation: %w", err)
			}
			return h, nil
		}

		w := make(chan *handle, 1)
		p.waiters = append(p.waiters, w)
		p.pending++
		p.mu.Unlock()

		select {
		case h, ok := <-w:
			p.mu.Lock()
			p.pending--
			p.mu.Unlock()
			if !ok {
				return nil, ErrPoolClosed
			}
			if h == nil {
				continue // capacity freed, go create
			}
			if err := p.validate(acqCtx, h); err != nil {
				log.Warn().Err(err).Msg("discarding connection that failed validation")
				p.destroy(h)
				continue
			}
			return h, nil

		case <-acqCtx.Done():
			p.mu.Lock()
			for i, cand := range p.waiters {
				if cand == w {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					break
				}
			}
			p.pending--
			p.mu.Unlock()

			// A release may have raced the timeout; put the handle back.
			select {
			case h, ok := <-w:
				if ok && h != nil {
					p.release(h)
				}
			default:
			}

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.acquireTimeouts.Add(1)
			return nil, ErrAcquireTimeout
		}
	}
}

// release returns a handle to the idle set, handing it straight to a waiter
// when one is pending. Safe for any handle validly acquired from this pool.
func (p *Pool) release(h *handle) {
	h.lastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		_ = h.conn.Close()
		p.size--
		p.drained.Broadcast()
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- h
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
}

// Run executes exactly one write statement with a scoped handle.
func (p *Pool) Run(ctx context.Context, query string, args ...any) (Result, error) {
	h, err := p.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.release(h)

	res, err := h.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	changes, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return Result{}, err
	}
	return Result{Changes: changes, LastInsertID: lastID}, nil
}

// Query executes one read statement and hands the rows to scan. The handle
// and rows are released when scan returns, on every path.
func (p *Pool) Query(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	h, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(h)

	rows, err := h.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if err := scan(rows); err != nil {
		return err
	}
	return rows.Err()
}

// Row defers handle release until Scan, mirroring sql.Row semantics.
type Row struct {
	err     error
	row     *sql.Row
	release func()
}

// Scan copies the matched row into dest and releases the handle. Returns
// sql.ErrNoRows when nothing matched.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.release()
	return r.row.Scan(dest...)
}

// QueryRow executes a single-row read. Callers must call Scan on the result
// exactly once; the handle is held until then.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *Row {
	h, err := p.acquire(ctx)
	if err != nil {
		return &Row{err: err}
	}
	var once sync.Once
	return &Row{
		row:     h.conn.QueryRowContext(ctx, query, args...),
		release: func() { once.Do(func() { p.release(h) }) },
	}
}

// Tx is a handle-scoped executor passed to Transaction callbacks. Statement
// order within a transaction is guaranteed by the single underlying handle.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Transaction acquires one handle for the whole call, begins a transaction,
// commits on normal return and rolls back (rethrowing) on any failure from
// fn. No partial effects are ever observable.
func (p *Pool) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	h, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(h)

	sqlTx, err := h.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if pnc := recover(); pnc != nil {
			_ = sqlTx.Rollback()
			panic(pnc)
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("rollback failed after transaction error")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size      int `json:"size"`
	Available int `json:"available"`
	Pending   int `json:"pending"`
	Max       int `json:"max"`
	Min       int `json:"min"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Available: len(p.idle),
		Pending:   p.pending,
		Max:       p.cfg.MaxConns,
		Min:       p.cfg.MinConns,
	}
}

// AcquireTimeouts returns the cumulative count of acquires that gave up.
func (p *Pool) AcquireTimeouts() uint64 {
	return p.acquireTimeouts.Load()
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the structured liveness report. HealthCheck never fails; probe
// errors are captured into the unhealthy status so monitoring can poll it
// unconditionally.
type Health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Pool   Stats  `json:"pool"`
}

func (p *Pool) HealthCheck(ctx context.Context) Health {
	health := Health{Status: StatusHealthy, Pool: p.Stats()}

	var one int
	if err := p.QueryRow(ctx, validationQuery).Scan(&one); err != nil {
		health.Status = StatusUnhealthy
		health.Error = err.Error()
		health.Pool = p.Stats()
	}
	return health
}

// reapLoop periodically closes handles idle past IdleTimeout, keeping at
// least MinConns alive.
func (p *Pool) reapLoop(ctx context.Context) {
	interval := p.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) reapIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	var stale []*handle
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	kept := p.idle[:0]
	for _, h := range p.idle {
		if p.size-len(stale) > p.cfg.MinConns && h.lastUsed.Before(cutoff) {
			stale = append(stale, h)
			continue
		}
		kept = append(kept, h)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, h := range stale {
		p.destroy(h)
	}
	if len(stale) > 0 {
		log.Debug().Int("reaped", len(stale)).Msg("closed idle database connections")
	}
}

// Close drains outstanding handles, waiting for lent ones to come home, then
// destroys all idle handles. Subsequent acquires fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if p.reapCancel != nil {
			p.reapCancel()
		}

		p.mu.Lock()
		p.closed = true
		for _, w := range p.waiters {
			close(w)
		}
		p.waiters = nil

		for _, h := range p.idle {
			_ = h.conn.Close()
			p.size--
		}
		p.idle = nil

		for p.size > 0 {
			p.drained.Wait()
		}
		p.mu.Unlock()

		p.closeErr = p.db.Close()
	})
	return p.closeErr
}
