package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/store"
)

// State is where a tenant's loop currently is.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateStaging     State = "staging"
	StateDispatching State = "dispatching"
	StateStopped     State = "stopped"
)

// TenantStatus is a point-in-time view of one tenant's loop.
type TenantStatus struct {
	TenantID            string
	State               State
	Cycles              int
	Staged              int
	Dispatched          int
	// Failed counts distinct files whose latest delivery attempt failed.
	Failed              int
	ConsecutiveFailures int
	LastCycle           time.Time
	NextCycle           time.Time
	LastError           string
}

// CycleReport summarises one poll, stage and dispatch cycle.
type CycleReport struct {
	TenantID string
	Staged   []*store.FileRecord
	Dispatch DispatchResult
	Pruned   int
	Duration time.Duration
	Err      error
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// RedispatchLimit is how many dispatch attempts a Failed record gets
	// before later cycles stop re-selecting it.
	RedispatchLimit int
	// Retention is how long Dispatched records are kept. Zero keeps them.
	Retention time.Duration
	// MaxBackoff caps the delay after repeated connection failures.
	MaxBackoff time.Duration
	// DefaultInterval applies to tenants without their own poll interval.
	DefaultInterval time.Duration
	Logger          *logrus.Entry
}

// Coordinator runs one independent poll, stage and dispatch loop per tenant.
type Coordinator struct {
	tenants    []config.TenantConfig
	pool       *ConnectionPool
	poller     *Poller
	dispatcher *Dispatcher
	tracker    *RecordTracker
	opts       CoordinatorOptions
	log        *logrus.Entry
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	status map[string]*TenantStatus
	// failing holds, per tenant, the IDs of records whose last delivery failed.
	failing map[string]map[string]struct{}
}

// NewCoordinator wires the pipeline for the given tenants. The coordinator
// owns pool and closes it when Run returns.
func NewCoordinator(tenants []config.TenantConfig, pool *ConnectionPool, poller *Poller, dispatcher *Dispatcher, tracker *RecordTracker, opts CoordinatorOptions) *Coordinator {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 30 * time.Second
	}
	c := &Coordinator{
		tenants:    tenants,
		pool:       pool,
		poller:     poller,
		dispatcher: dispatcher,
		tracker:    tracker,
		opts:       opts,
		log:        componentLogger(opts.Logger, "coordinator"),
		now:        time.Now,
		sleep:      sleepContext,
		status:     make(map[string]*TenantStatus, len(tenants)),
		failing:    make(map[string]map[string]struct{}, len(tenants)),
	}
	for _, t := range tenants {
		c.status[t.ID] = &TenantStatus{TenantID: t.ID, State: StateIdle}
	}
	return c
}

// Run drives every tenant until ctx is cancelled, then closes the pool.
// Cancellation lets each tenant finish the move or batch in flight.
func (c *Coordinator) Run(ctx context.Context) error {
	var g errgroup.Group
	for _, tenant := range c.tenants {
		g.Go(func() error {
			c.runTenant(ctx, tenant)
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info("all tenants stopped, closing connections")
	return c.pool.CloseAll()
}

// RunOnce runs a single cycle for every valid tenant concurrently and
// returns the reports in tenant order.
func (c *Coordinator) RunOnce(ctx context.Context) []CycleReport {
	reports := make([]CycleReport, len(c.tenants))
	var g errgroup.Group
	for i, tenant := range c.tenants {
		g.Go(func() error {
			if err := tenant.Validate(); err != nil {
				c.stop(tenant.ID, err)
				reports[i] = CycleReport{TenantID: tenant.ID, Err: err}
				return nil
			}
			reports[i] = c.RunCycle(ctx, tenant)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (c *Coordinator) runTenant(ctx context.Context, tenant config.TenantConfig) {
	log := c.log.WithField("tenant", tenant.ID)

	if err := tenant.Validate(); err != nil {
		log.WithError(err).Error("invalid tenant configuration, tenant stopped")
		c.stop(tenant.ID, err)
		return
	}

	interval := tenant.PollInterval
	if interval <= 0 {
		interval = c.opts.DefaultInterval
	}

	failures := 0
	for {
		report := c.RunCycle(ctx, tenant)
		if ctx.Err() != nil {
			break
		}

		delay := interval
		if IsConnectionError(report.Err) {
			failures++
			delay = nextDelay(interval, failures, c.opts.MaxBackoff)
			log.WithError(report.Err).WithField("retry_in", delay).Warn("connection failed, backing off")
		} else {
			failures = 0
		}
		c.update(tenant.ID, func(s *TenantStatus) {
			s.ConsecutiveFailures = failures
			s.NextCycle = c.now().Add(delay)
		})

		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	c.stop(tenant.ID, nil)
	log.Info("tenant stopped")
}

// RunCycle acquires the tenant's connection, polls and stages its inbound
// directory, then dispatches every record still owed a delivery. Errors are
// reported, never returned: one tenant's failure never affects another.
func (c *Coordinator) RunCycle(ctx context.Context, tenant config.TenantConfig) CycleReport {
	start := c.now()
	report := CycleReport{TenantID: tenant.ID}
	log := c.log.WithField("tenant", tenant.ID)
	log.Debug("cycle started")

	defer func() {
		report.Duration = c.now().Sub(start)
		cycleDuration.WithLabelValues(tenant.ID).Observe(report.Duration.Seconds())
		c.finishCycle(tenant.ID, report)
		log.WithFields(logrus.Fields{
			"staged":             len(report.Staged),
			"batches_dispatched": report.Dispatch.Succeeded,
			"batches_failed":     report.Dispatch.Failed,
			"duration":           report.Duration,
		}).Info("cycle finished")
	}()

	c.setState(tenant.ID, StatePolling)
	conn, err := c.pool.Acquire(ctx, tenant)
	if err != nil {
		report.Err = err
		log.WithError(err).Error("failed to acquire connection")
		return report
	}

	confirmed, err := c.poller.Scan(ctx, tenant, conn)
	if err != nil {
		report.Err = err
		log.WithError(err).Error("poll failed, retrying next cycle")
	}

	if len(confirmed) > 0 && ctx.Err() == nil {
		c.setState(tenant.ID, StateStaging)
		staged, err := c.poller.Stage(ctx, tenant, conn, confirmed)
		report.Staged = staged
		if err != nil {
			report.Err = errors.Join(report.Err, err)
			log.WithError(err).Error("staging failed, retrying next cycle")
		}
	}

	if ctx.Err() != nil {
		return report
	}

	pending, err := c.tracker.Pending(tenant.ID, c.opts.RedispatchLimit)
	if err != nil {
		report.Err = errors.Join(report.Err, err)
		log.WithError(err).Error("failed to load pending records")
		return report
	}
	if len(pending) > 0 {
		c.setState(tenant.ID, StateDispatching)
		report.Dispatch = c.dispatcher.Dispatch(ctx, tenant, pending)
	}

	pruned, err := c.tracker.Prune(tenant.ID, c.opts.Retention)
	if err != nil {
		log.WithError(err).Warn("failed to prune dispatched records")
	}
	report.Pruned = pruned
	return report
}

// Snapshot returns the current status of every tenant, sorted by id.
func (c *Coordinator) Snapshot() []TenantStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TenantStatus, 0, len(c.status))
	for _, s := range c.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (c *Coordinator) setState(tenantID string, state State) {
	c.update(tenantID, func(s *TenantStatus) { s.State = state })
}

func (c *Coordinator) stop(tenantID string, err error) {
	c.update(tenantID, func(s *TenantStatus) {
		s.State = StateStopped
		s.NextCycle = time.Time{}
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (c *Coordinator) finishCycle(tenantID string, r CycleReport) {
	c.update(tenantID, func(s *TenantStatus) {
		s.State = StateIdle
		s.Cycles++
		s.LastCycle = c.now()
		s.Staged += len(r.Staged)
		failing := c.failing[tenantID]
		if failing == nil {
			failing = make(map[string]struct{})
			c.failing[tenantID] = failing
		}
		for _, b := range r.Dispatch.Batches {
			for _, rec := range b.Records {
				if b.Err != nil {
					failing[rec.ID] = struct{}{}
					continue
				}
				delete(failing, rec.ID)
				s.Dispatched++
			}
		}
		s.Failed = len(failing)
		s.LastError = ""
		if r.Err != nil {
			s.LastError = r.Err.Error()
		}
	})
}

func (c *Coordinator) update(tenantID string, fn func(*TenantStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[tenantID]
	if !ok {
		s = &TenantStatus{TenantID: tenantID}
		c.status[tenantID] = s
	}
	fn(s)
}

// nextDelay doubles base once per consecutive failure, capped at ceiling.
// A ceiling <= 0 caps at the largest representable duration.
func nextDelay(base time.Duration, failures int, ceiling time.Duration) time.Duration {
	limit := ceiling
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := base
	for i := 0; i < failures && d > 0; i++ {
		if d > limit/2 {
			d = limit
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
