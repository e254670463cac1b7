package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/provider"
	"github.com/franksops/ingestd/store"
)

func (h *harness) coordinator(pool *ConnectionPool, policy DispatchPolicy, opts CoordinatorOptions, tenants ...config.TenantConfig) *Coordinator {
	if len(tenants) == 0 {
		tenants = []config.TenantConfig{h.tenant}
	}
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	return NewCoordinator(tenants, pool, h.poller(), h.dispatcher(policy), h.tracker, opts)
}

func TestCoordinator_EndToEnd(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusOK)
	h.tenant.Endpoint = api.URL

	var want []string
	for i := 1; i <= 7; i++ {
		name := fmt.Sprintf("loan-%d.pdf", i)
		h.upload(t, name, "document "+name)
		want = append(want, name)
	}

	c := h.coordinator(h.pool(), fastPolicy(3), CoordinatorOptions{RedispatchLimit: 5})
	report := c.RunCycle(context.Background(), h.tenant)

	require.NoError(t, report.Err)
	assert.Len(t, report.Staged, 7)
	assert.Equal(t, 2, report.Dispatch.Succeeded)
	assert.Len(t, api.calls(), 2)

	statuses := h.statuses(t)
	require.Len(t, statuses, 7)
	for _, name := range want {
		assert.Equal(t, store.StatusDispatched, statuses[name], name)
	}
	assert.ElementsMatch(t, want, h.names(t, "/acme/in_progress/03072024"))
	assert.Empty(t, h.names(t, "/acme/input"))

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateIdle, snap[0].State)
	assert.Equal(t, 1, snap[0].Cycles)
	assert.Equal(t, 7, snap[0].Staged)
	assert.Equal(t, 7, snap[0].Dispatched)
}

func TestCoordinator_FailedDeliveryStaysStaged(t *testing.T) {
	h := newHarness(t)
	unavailable := http.StatusServiceUnavailable
	api := newAPIServer(t, unavailable, unavailable, unavailable, unavailable, http.StatusOK)
	h.tenant.Endpoint = api.URL
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		h.upload(t, name, "document")
	}

	c := h.coordinator(h.pool(), fastPolicy(2), CoordinatorOptions{RedispatchLimit: 5})

	report := c.RunCycle(context.Background(), h.tenant)
	assert.Equal(t, 1, report.Dispatch.Failed)
	assert.Len(t, api.calls(), 2)
	for _, status := range h.statuses(t) {
		assert.Equal(t, store.StatusFailed, status)
	}
	assert.ElementsMatch(t, []string{"a.pdf", "b.pdf", "c.pdf"}, h.names(t, h.stagingDir()))
	assert.Equal(t, 3, h.remote.renameCount())

	// The next cycle finds nothing to move and re-selects the failed batch.
	report = c.RunCycle(context.Background(), h.tenant)
	assert.Empty(t, report.Staged)
	assert.Equal(t, 3, h.remote.renameCount())
	assert.Len(t, api.calls(), 4)

	recs, err := h.store.ListRecords(h.tenant.ID, nil)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, store.StatusFailed, rec.Status)
		assert.Equal(t, 2, rec.Attempts)
	}
	assert.ElementsMatch(t, []string{"a.pdf", "b.pdf", "c.pdf"}, h.names(t, h.stagingDir()))

	snap := c.Snapshot()[0]
	assert.Equal(t, 3, snap.Failed, "a file failing twice is counted once")
	assert.Equal(t, 0, snap.Dispatched)

	// The endpoint recovers and the third cycle delivers the batch.
	report = c.RunCycle(context.Background(), h.tenant)
	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Dispatch.Succeeded)

	snap = c.Snapshot()[0]
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, 3, snap.Dispatched)
}

func TestCoordinator_RedispatchLimit(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusServiceUnavailable)
	h.tenant.Endpoint = api.URL
	h.upload(t, "a.pdf", "document")

	c := h.coordinator(h.pool(), fastPolicy(1), CoordinatorOptions{RedispatchLimit: 1})

	c.RunCycle(context.Background(), h.tenant)
	assert.Len(t, api.calls(), 1)

	report := c.RunCycle(context.Background(), h.tenant)
	assert.Empty(t, report.Dispatch.Batches)
	assert.Len(t, api.calls(), 1)
	assert.Equal(t, map[string]store.Status{"a.pdf": store.StatusFailed}, h.statuses(t))
}

func TestCoordinator_RedispatchesInterruptedBatch(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusOK)
	h.tenant.Endpoint = api.URL

	// A crash after marking the batch left it Batched.
	recs := h.staged(t, "a.pdf")
	require.NoError(t, h.tracker.Transition(recs[0], store.StatusBatched, nil))

	c := h.coordinator(h.pool(), fastPolicy(3), CoordinatorOptions{RedispatchLimit: 5})
	report := c.RunCycle(context.Background(), h.tenant)

	assert.Equal(t, 1, report.Dispatch.Succeeded)
	assert.Equal(t, map[string]store.Status{"a.pdf": store.StatusDispatched}, h.statuses(t))
}

func TestCoordinator_ConnectionFailure(t *testing.T) {
	h := newHarness(t)
	pool := NewConnectionPool(func(context.Context, config.TenantConfig) (provider.Provider, error) {
		return nil, errors.New("no route to host")
	})

	c := h.coordinator(pool, fastPolicy(1), CoordinatorOptions{})
	report := c.RunCycle(context.Background(), h.tenant)

	assert.True(t, IsConnectionError(report.Err))
	snap := c.Snapshot()[0]
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.LastError, "no route to host")
}

func TestCoordinator_InvalidTenantStopsOnlyItself(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusOK)
	h.tenant.Endpoint = api.URL
	h.upload(t, "a.pdf", "document")

	broken := h.tenant
	broken.ID = "broken"
	broken.Host = ""

	c := h.coordinator(h.pool(), fastPolicy(1), CoordinatorOptions{}, broken, h.tenant)
	reports := c.RunOnce(context.Background())
	require.Len(t, reports, 2)

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, reports[0].Err, &cfgErr)
	assert.Equal(t, "host", cfgErr.Field)
	require.NoError(t, reports[1].Err)
	assert.Len(t, reports[1].Staged, 1)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "acme", snap[0].TenantID)
	assert.Equal(t, StateIdle, snap[0].State)
	assert.Equal(t, "broken", snap[1].TenantID)
	assert.Equal(t, StateStopped, snap[1].State)
}

// stalledLister blocks every List until release is closed.
type stalledLister struct {
	provider.Provider
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *stalledLister) List(ctx context.Context, p string) ([]provider.FileInfo, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil, errors.New("listing interrupted")
}

func (s *stalledLister) Close() error { return nil }

func TestCoordinator_StalledTenantDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusOK)
	h.tenant.Endpoint = api.URL
	h.upload(t, "a.pdf", "document")

	slow := h.tenant
	slow.ID = "globex"
	stalled := &stalledLister{
		Provider: h.remote.Provider,
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}

	pool := NewConnectionPool(func(_ context.Context, tenant config.TenantConfig) (provider.Provider, error) {
		if tenant.ID == slow.ID {
			return stalled, nil
		}
		return h.remote, nil
	}, WithPoolLogger(h.logger))
	c := h.coordinator(pool, fastPolicy(1), CoordinatorOptions{}, h.tenant, slow)

	slowDone := make(chan CycleReport, 1)
	go func() { slowDone <- c.RunCycle(context.Background(), slow) }()
	<-stalled.started

	done := make(chan CycleReport, 1)
	go func() { done <- c.RunCycle(context.Background(), h.tenant) }()

	select {
	case report := <-done:
		require.NoError(t, report.Err)
		assert.Len(t, report.Staged, 1)
		assert.Equal(t, 1, report.Dispatch.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("acme's cycle waited on globex's stalled listing")
	}

	close(stalled.release)
	assert.Error(t, (<-slowDone).Err)
}

func TestCoordinator_RunStopsAndClosesPool(t *testing.T) {
	h := newHarness(t)
	api := newAPIServer(t, http.StatusOK)
	h.tenant.Endpoint = api.URL
	h.upload(t, "a.pdf", "document")

	pool := h.pool()
	c := h.coordinator(pool, fastPolicy(1), CoordinatorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return sleepContext(ctx, time.Hour)
	}

	require.NoError(t, c.Run(ctx))

	assert.Equal(t, map[string]store.Status{"a.pdf": store.StatusDispatched}, h.statuses(t))
	assert.Equal(t, StateStopped, c.Snapshot()[0].State)
	assert.Equal(t, 1, h.remote.closeCount())
	_, err := pool.Acquire(context.Background(), h.tenant)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, h.hasMessage("tenant stopped"))
}

func TestCoordinator_BacksOffOnConnectionFailure(t *testing.T) {
	h := newHarness(t)
	pool := NewConnectionPool(func(context.Context, config.TenantConfig) (provider.Provider, error) {
		return nil, errors.New("handshake timeout")
	})
	h.tenant.PollInterval = time.Second
	c := h.coordinator(pool, fastPolicy(1), CoordinatorOptions{MaxBackoff: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 4 {
			cancel()
		}
		return ctx.Err()
	}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		failures int
		ceiling  time.Duration
		want     time.Duration
	}{
		{0, time.Minute, 10 * time.Second},
		{1, time.Minute, 20 * time.Second},
		{2, time.Minute, 40 * time.Second},
		{3, time.Minute, time.Minute},
		{50, time.Minute, time.Minute},
		{2, 0, 40 * time.Second},
		{64, 0, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextDelay(10*time.Second, tt.failures, tt.ceiling), "failures=%d", tt.failures)
	}
}

func TestNextDelay_NeverOverflows(t *testing.T) {
	prev := time.Duration(0)
	for failures := 0; failures <= 100; failures++ {
		d := nextDelay(30*time.Second, failures, 0)
		require.Positive(t, d, "failures=%d", failures)
		require.GreaterOrEqual(t, d, prev, "failures=%d", failures)
		prev = d
	}
}
