package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/provider"
	"github.com/franksops/ingestd/store"
)

// PollerOptions configures a Poller.
type PollerOptions struct {
	// StableDelay separates the two size samples of the completion check.
	StableDelay time.Duration
	// DetectWorkers bounds concurrent completion checks within one poll.
	DetectWorkers int
	// IOTimeout bounds each list, stat, mkdir and rename call.
	IOTimeout time.Duration
	Now       func() time.Time
	Logger    *logrus.Entry
}

// Poller finds finished uploads in a tenant's inbound directory and moves
// them into the dated staging directory.
type Poller struct {
	tracker   *RecordTracker
	detector  *CompletionDetector
	delay     time.Duration
	workers   int
	ioTimeout time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// NewPoller creates a Poller recording its progress through tracker.
func NewPoller(tracker *RecordTracker, opts PollerOptions) *Poller {
	if opts.DetectWorkers < 1 {
		opts.DetectWorkers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		tracker:   tracker,
		detector:  NewCompletionDetector(opts.IOTimeout),
		delay:     opts.StableDelay,
		workers:   opts.DetectWorkers,
		ioTimeout: opts.IOTimeout,
		now:       opts.Now,
		log:       componentLogger(opts.Logger, "poller"),
	}
}

type candidate struct {
	rec      *store.FileRecord
	retry    bool
	complete bool
}

// PollOnce lists the inbound directory, confirms finished uploads and moves
// them into staging. It returns the records staged by this call.
func (p *Poller) PollOnce(ctx context.Context, tenant config.TenantConfig, conn provider.Provider) ([]*store.FileRecord, error) {
	confirmed, err := p.Scan(ctx, tenant, conn)
	if err != nil {
		return nil, err
	}
	return p.Stage(ctx, tenant, conn, confirmed)
}

// Scan lists the inbound directory and returns the records ready to move:
// candidates that passed the completion check this call plus those that
// passed earlier but whose move failed. A listing failure is returned as a
// *TransientIOError.
func (p *Poller) Scan(ctx context.Context, tenant config.TenantConfig, conn provider.Provider) ([]*store.FileRecord, error) {
	log := p.log.WithField("tenant", tenant.ID)
	inbound := tenant.InboundPath()

	if err := p.io(ctx, func(ctx context.Context) error { return conn.MkdirAll(ctx, inbound) }); err != nil {
		return nil, &TransientIOError{TenantID: tenant.ID, Op: "mkdir", Path: inbound, Err: err}
	}

	var entries []provider.FileInfo
	err := p.io(ctx, func(ctx context.Context) error {
		var err error
		entries, err = conn.List(ctx, inbound)
		return err
	})
	if err != nil {
		return nil, &TransientIOError{TenantID: tenant.ID, Op: "list", Path: inbound, Err: err}
	}

	awaitingMove, err := p.tracker.Confirmed(tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("tenant %q: failed to load confirmed records: %w", tenant.ID, err)
	}

	var candidates []*candidate
	for _, entry := range entries {
		if entry.IsDir() || !tenant.Matches(entry.Name()) {
			continue
		}
		src := path.Join(inbound, entry.Name())
		if rec, ok := awaitingMove[src]; ok {
			candidates = append(candidates, &candidate{rec: rec, retry: true, complete: true})
			delete(awaitingMove, src)
			continue
		}
		candidates = append(candidates, &candidate{rec: p.tracker.Detect(tenant.ID, src, entry.Name())})
	}

	p.detect(ctx, conn, candidates)

	var ready []*store.FileRecord
	for _, c := range candidates {
		if !c.complete {
			log.WithField("file", c.rec.Filename).Debug("file still uploading")
			continue
		}
		if !c.retry {
			if err := p.tracker.Transition(c.rec, store.StatusConfirmed, nil); err != nil {
				log.WithError(err).WithField("file", c.rec.Filename).Error("failed to record confirmed file")
				continue
			}
		}
		ready = append(ready, c.rec)
	}

	// Confirmed records missing from the listing were moved by a cycle that
	// stopped before recording it, or removed by the producer. Stage sorts
	// out which.
	for _, rec := range awaitingMove {
		ready = append(ready, rec)
	}
	return ready, nil
}

func (p *Poller) detect(ctx context.Context, conn provider.Provider, candidates []*candidate) {
	var todo []*candidate
	for _, c := range candidates {
		if !c.retry {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		return
	}

	tasks := make(TaskChannel, len(todo))
	pool := NewWorkerPool(ctx, tasks)
	pool.SetWorkerCount(min(p.workers, len(todo)))

	for _, c := range todo {
		tasks <- func(ctx context.Context) {
			c.rec.Size, c.complete = p.detector.IsComplete(ctx, conn, c.rec.SourcePath, p.delay)
		}
	}
	close(tasks)
	pool.Wait()
}

// Stage renames each confirmed record into today's staging directory, in
// order. A move that has started always finishes; cancellation of ctx only
// prevents further moves. A failed rename leaves the record Confirmed for
// the next cycle.
//
// The destination is persisted before each rename. A record that already
// carries one was handed to an earlier Stage call, so if its source is gone
// and a file of the recorded size sits at that destination, the earlier move
// is adopted instead of repeated.
func (p *Poller) Stage(ctx context.Context, tenant config.TenantConfig, conn provider.Provider, confirmed []*store.FileRecord) ([]*store.FileRecord, error) {
	if len(confirmed) == 0 {
		return nil, nil
	}
	log := p.log.WithField("tenant", tenant.ID)
	ioCtx := context.WithoutCancel(ctx)

	stageDir := tenant.StagingPath(p.now())
	if err := p.io(ioCtx, func(ctx context.Context) error { return conn.MkdirAll(ctx, stageDir) }); err != nil {
		return nil, &TransientIOError{TenantID: tenant.ID, Op: "mkdir", Path: stageDir, Err: err}
	}

	var staged []*store.FileRecord
	for _, rec := range confirmed {
		if ctx.Err() != nil {
			log.Info("stop requested, leaving remaining files for the next run")
			break
		}
		flog := log.WithField("file", rec.Filename)

		previous := rec.StagedPath
		dest := path.Join(stageDir, rec.Filename)
		if dest != previous {
			rec.StagedPath = dest
			if err := p.tracker.Transition(rec, store.StatusConfirmed, nil); err != nil {
				flog.WithError(err).Error("failed to record staging destination")
				continue
			}
		}

		err := p.io(ioCtx, func(ctx context.Context) error { return conn.Rename(ctx, rec.SourcePath, dest) })
		if err != nil && provider.IsNotExist(err) {
			if previous != "" && p.holds(ioCtx, conn, previous, rec.Size) {
				rec.StagedPath = previous
				err = nil
			} else {
				flog.Warn("confirmed file disappeared before it could be staged")
				if ferr := p.tracker.Forget(rec); ferr != nil {
					flog.WithError(ferr).Error("failed to forget vanished file")
				}
				continue
			}
		}
		if err != nil {
			stageFailuresCounter.WithLabelValues(tenant.ID).Inc()
			flog.WithError(err).Warn("failed to move file into staging, will retry next cycle")
			if terr := p.tracker.Transition(rec, store.StatusConfirmed, err); terr != nil {
				flog.WithError(terr).Error("failed to record move failure")
			}
			continue
		}

		if err := p.tracker.Transition(rec, store.StatusStaged, nil); err != nil {
			flog.WithError(err).Error("file moved but staging not recorded")
			continue
		}
		filesStagedCounter.WithLabelValues(tenant.ID).Inc()
		flog.WithField("staged_path", rec.StagedPath).Info("moved file to staging")
		staged = append(staged, rec)
	}
	return staged, nil
}

// holds reports whether remotePath is a file of the given size.
func (p *Poller) holds(ctx context.Context, conn provider.Provider, remotePath string, size int64) bool {
	var info provider.FileInfo
	err := p.io(ctx, func(ctx context.Context) error {
		var err error
		info, err = conn.Stat(ctx, remotePath)
		return err
	})
	return err == nil && !info.IsDir() && info.Size() == size
}

func (p *Poller) io(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := withTimeout(ctx, p.ioTimeout)
	defer cancel()
	return fn(ctx)
}
