package engine

import (
	"context"
	"time"

	"github.com/franksops/ingestd/provider"
)

// DefaultStableDelay is the pause between the two size samples.
const DefaultStableDelay = 1200 * time.Millisecond

// CompletionDetector decides whether a producer has finished writing a file.
// Transfer protocols grow a file in place with no commit signal, so a file
// whose size is non-zero and unchanged across the delay is taken as done.
// A producer that pauses for exactly the delay can still be misread.
type CompletionDetector struct {
	statTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCompletionDetector creates a detector whose stat calls are bounded by
// statTimeout (zero means unbounded).
func NewCompletionDetector(statTimeout time.Duration) *CompletionDetector {
	return &CompletionDetector{
		statTimeout: statTimeout,
		sleep:       sleepContext,
	}
}

// IsComplete samples the size of remotePath twice, delay apart, and reports
// whether both samples are equal and positive, along with the size seen.
// A failed or timed-out stat means "not complete": the file may have been
// removed or not be visible yet.
func (d *CompletionDetector) IsComplete(ctx context.Context, conn provider.Provider, remotePath string, delay time.Duration) (int64, bool) {
	first, err := d.size(ctx, conn, remotePath)
	if err != nil || first <= 0 {
		return first, false
	}

	if err := d.sleep(ctx, delay); err != nil {
		return first, false
	}

	second, err := d.size(ctx, conn, remotePath)
	if err != nil {
		return first, false
	}
	return second, first == second
}

func (d *CompletionDetector) size(ctx context.Context, conn provider.Provider, remotePath string) (int64, error) {
	ctx, cancel := withTimeout(ctx, d.statTimeout)
	defer cancel()

	info, err := conn.Stat(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
