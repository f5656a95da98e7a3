package dbpool

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/core/internal/errs"
)

// Connection wraps a borrowed backend session with the bookkeeping the
// pool needs to validate and rotate it (spec.md §3 "Connection (in pool)").
type Connection struct {
	backend         Backend
	lastValidatedAt time.Time
	lastUsedAt      time.Time
	inUse           bool
}

// Backend returns the underlying backend session for use by the caller.
func (c *Connection) Backend() Backend { return c.backend }

// PoolConfig is the Connection Pool's configuration surface (spec.md §6).
type PoolConfig struct {
	MaxConnections      int
	Timeout             time.Duration
	ValidationInterval  time.Duration
	ValidateConnections bool
}

// DefaultPoolConfig returns reasonable pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      10,
		Timeout:             5 * time.Second,
		ValidationInterval:  30 * time.Second,
		ValidateConnections: true,
	}
}

// Pool is a validated, bounded pool of database connections for one
// endpoint (spec.md §4.6), grounded on FluxForge's store.PostgresStore /
// store.RedisStore construction pattern but generalized to any Backend.
type Pool struct {
	cfg        PoolConfig
	factory    BackendFactory
	connString string

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*Connection // FIFO: append on return, pop from front on borrow
	total  int
	closed bool
}

// NewPool constructs a pool that lazily creates backend sessions via
// factory(connString) up to cfg.MaxConnections.
func NewPool(cfg PoolConfig, factory BackendFactory, connString string) *Pool {
	p := &Pool{cfg: cfg, factory: factory, connString: connString}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Borrow acquires a connection, creating one if the pool has room,
// blocking up to cfg.Timeout if the pool is at capacity, and validating
// (or replacing) a reused idle connection whose last_validated_at has
// aged past cfg.ValidationInterval.
func (p *Pool) Borrow(ctx context.Context) (*Connection, error) {
	deadline := time.Now().Add(p.cfg.Timeout)

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errs.New(errs.PoolClosed, "pool is shut down")
		}
		if len(p.idle) > 0 {
			conn := p.idle[0]
			p.idle = p.idle[1:]
			p.mu.Unlock()
			return p.validateOrReplace(ctx, conn)
		}
		if p.total < p.cfg.MaxConnections {
			p.total++
			p.mu.Unlock()
			conn, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, errs.New(errs.PoolExhausted, "borrow timed out waiting for a free connection")
		}
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			close(waitDone)
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
		default:
		}
	}
}

func (p *Pool) create(ctx context.Context) (*Connection, error) {
	backend, err := p.factory(ctx, p.connString)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Connection{backend: backend, lastValidatedAt: now, lastUsedAt: now, inUse: true}, nil
}

func (p *Pool) validateOrReplace(ctx context.Context, conn *Connection) (*Connection, error) {
	if p.cfg.ValidateConnections && time.Since(conn.lastValidatedAt) > p.cfg.ValidationInterval {
		if err := conn.backend.Probe(ctx); err != nil {
			conn.backend.Close()
			fresh, ferr := p.factory(ctx, p.connString)
			if ferr != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, errs.Wrap(errs.EndpointUnavailable, "replacement connection failed", ferr)
			}
			conn.backend = fresh
		}
		conn.lastValidatedAt = time.Now()
	}
	conn.inUse = true
	conn.lastUsedAt = time.Now()
	return conn, nil
}

// Return releases conn back to the idle FIFO and wakes one blocked borrower.
func (p *Pool) Return(conn *Connection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.inUse = false
	conn.lastUsedAt = time.Now()
	if p.closed {
		conn.backend.Close()
		p.total--
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
}

// Shutdown closes every idle connection and releases any blocked
// borrowers with PoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		conn.backend.Close()
	}
	p.idle = nil
	p.cond.Broadcast()
}

// Total reports the current number of connections (idle + borrowed).
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
