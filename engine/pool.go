package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/provider"
)

// Dialer opens a new session for a tenant.
type Dialer func(ctx context.Context, tenant config.TenantConfig) (provider.Provider, error)

// SFTPDialer returns a Dialer that opens SFTP sessions with the given
// handshake timeout and keepalive interval.
func SFTPDialer(handshakeTimeout, keepalive time.Duration) Dialer {
	return func(ctx context.Context, tenant config.TenantConfig) (provider.Provider, error) {
		return provider.DialSFTP(ctx, provider.SFTPConfig{
			Addr:             tenant.Addr(),
			Username:         tenant.Username,
			Password:         tenant.Password,
			PrivateKeyPath:   tenant.PrivateKeyPath,
			KnownHostsPath:   tenant.KnownHostsPath,
			HandshakeTimeout: handshakeTimeout,
			Keepalive:        keepalive,
		})
	}
}

// Connection is a pooled session owned by exactly one tenant.
type Connection struct {
	provider.Provider

	TenantID  string
	CreatedAt time.Time

	lastChecked time.Time
}

// LastCheckedAt is when the connection last passed a liveness probe.
func (c *Connection) LastCheckedAt() time.Time { return c.lastChecked }

type poolEntry struct {
	mu   sync.Mutex
	conn *Connection
}

// ConnectionPool holds at most one live connection per tenant. Each tenant
// has its own lock, so a slow handshake for one tenant never blocks another.
type ConnectionPool struct {
	dial             Dialer
	handshakeTimeout time.Duration
	probeTimeout     time.Duration
	now              func() time.Time
	log              *logrus.Entry

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// PoolOption configures a ConnectionPool.
type PoolOption func(*ConnectionPool)

// WithHandshakeTimeout bounds connection establishment.
func WithHandshakeTimeout(d time.Duration) PoolOption {
	return func(p *ConnectionPool) { p.handshakeTimeout = d }
}

// WithProbeTimeout bounds the liveness probe made before reuse.
func WithProbeTimeout(d time.Duration) PoolOption {
	return func(p *ConnectionPool) { p.probeTimeout = d }
}

// WithPoolLogger sets the logger used for connection events.
func WithPoolLogger(l *logrus.Entry) PoolOption {
	return func(p *ConnectionPool) { p.log = l }
}

// WithPoolClock overrides the time source.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *ConnectionPool) { p.now = now }
}

// NewConnectionPool creates an empty pool that opens sessions with dial.
func NewConnectionPool(dial Dialer, opts ...PoolOption) *ConnectionPool {
	p := &ConnectionPool{
		dial:             dial,
		handshakeTimeout: 10 * time.Second,
		probeTimeout:     10 * time.Second,
		now:              time.Now,
		entries:          make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = componentLogger(p.log, "pool")
	return p
}

func (p *ConnectionPool) entry(tenantID string, create bool) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[tenantID]
	if !ok && create {
		e = &poolEntry{}
		p.entries[tenantID] = e
	}
	return e, nil
}

// Acquire returns the tenant's live connection, replacing it first if the
// liveness probe fails. Establishment failures surface as *ConnectionError.
func (p *ConnectionPool) Acquire(ctx context.Context, tenant config.TenantConfig) (*Connection, error) {
	e, err := p.entry(tenant.ID, true)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	log := p.log.WithField("tenant", tenant.ID)

	if e.conn != nil {
		probeCtx, cancel := withTimeout(ctx, p.probeTimeout)
		err := e.conn.Ping(probeCtx)
		cancel()
		if err == nil {
			e.conn.lastChecked = p.now()
			log.Debug("reusing pooled connection")
			return e.conn, nil
		}

		log.WithError(err).Warn("connection failed liveness probe, evicting")
		p.closeConn(e.conn, "evicted")
		e.conn = nil
	}

	dialCtx, cancel := withTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	prov, err := p.dial(dialCtx, tenant)
	if err != nil {
		connectionEventsCounter.WithLabelValues(tenant.ID, "failed").Inc()
		return nil, &ConnectionError{TenantID: tenant.ID, Err: err}
	}

	// CloseAll may have swept this entry while the dial was in flight.
	if p.isClosed() {
		if err := prov.Close(); err != nil {
			log.WithError(err).Warn("failed to close connection dialed after shutdown")
		}
		return nil, ErrPoolClosed
	}

	now := p.now()
	e.conn = &Connection{
		Provider:    prov,
		TenantID:    tenant.ID,
		CreatedAt:   now,
		lastChecked: now,
	}
	connectionEventsCounter.WithLabelValues(tenant.ID, "created").Inc()
	log.WithField("addr", tenant.Addr()).Info("new connection established")
	return e.conn, nil
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Evict closes and forgets the tenant's connection, if any.
func (p *ConnectionPool) Evict(tenantID string) error {
	e, err := p.entry(tenantID, false)
	if err != nil || e == nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err = p.closeConn(e.conn, "evicted")
	e.conn = nil
	return err
}

// CloseAll closes every held connection. The pool rejects Acquire afterwards.
func (p *ConnectionPool) CloseAll() error {
	p.mu.Lock()
	p.closed = true
	entries := make(map[string]*poolEntry, len(p.entries))
	for id, e := range p.entries {
		entries[id] = e
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var result *multierror.Error
	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			if err := p.closeConn(e.conn, "closed"); err != nil {
				result = multierror.Append(result, err)
			}
			e.conn = nil
		}
		e.mu.Unlock()
	}
	return result.ErrorOrNil()
}

// Tenants lists tenants that currently hold a connection.
func (p *ConnectionPool) Tenants() []string {
	p.mu.Lock()
	entries := make(map[string]*poolEntry, len(p.entries))
	for id, e := range p.entries {
		entries[id] = e
	}
	p.mu.Unlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (p *ConnectionPool) closeConn(c *Connection, event string) error {
	connectionEventsCounter.WithLabelValues(c.TenantID, event).Inc()
	log := p.log.WithField("tenant", c.TenantID)
	if err := c.Close(); err != nil {
		log.WithError(err).Error("failed to close connection")
		return fmt.Errorf("tenant %q: close connection: %w", c.TenantID, err)
	}
	log.WithField("event", event).Info("connection closed")
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func componentLogger(l *logrus.Entry, component string) *logrus.Entry {
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	return l.WithField("component", component)
}
