package engine

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/franksops/ingestd/config"
	"github.com/franksops/ingestd/provider"
	"github.com/franksops/ingestd/store"
)

// testDay is the clock used by pollers under test; its staging folder is
// <base>/in_progress/03072024.
var testDay = time.Date(2024, time.March, 7, 10, 30, 0, 0, time.UTC)

type fakeInfo struct {
	name string
	size int64
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) ModTime() time.Time { return testDay }

// fakeProvider decorates a real provider with scripted failures and counts
// the calls the pipeline makes.
type fakeProvider struct {
	provider.Provider

	mu             sync.Mutex
	pingErr        error
	listErr        error
	renameErr      error
	renameFailures int
	statSizes      map[string][]int64
	renames        int
	closed         int
}

func (f *fakeProvider) Ping(ctx context.Context) error {
	f.mu.Lock()
	err := f.pingErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Provider.Ping(ctx)
}

func (f *fakeProvider) List(ctx context.Context, p string) ([]provider.FileInfo, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Provider.List(ctx, p)
}

// Stat serves scripted sizes for a path before falling through to the
// wrapped provider. The last scripted size repeats.
func (f *fakeProvider) Stat(ctx context.Context, p string) (provider.FileInfo, error) {
	f.mu.Lock()
	sizes, ok := f.statSizes[p]
	if ok && len(sizes) > 0 {
		size := sizes[0]
		if len(sizes) > 1 {
			f.statSizes[p] = sizes[1:]
		}
		f.mu.Unlock()
		return fakeInfo{name: path.Base(p), size: size}, nil
	}
	f.mu.Unlock()
	return f.Provider.Stat(ctx, p)
}

func (f *fakeProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	f.renames++
	if f.renameFailures > 0 {
		f.renameFailures--
		err := f.renameErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.Provider.Rename(ctx, oldPath, newPath)
}

// Close records the call but leaves the shared local root usable.
func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeProvider) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeProvider) renameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renames
}

func (f *fakeProvider) setStatSizes(p string, sizes ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statSizes == nil {
		f.statSizes = make(map[string][]int64)
	}
	f.statSizes[p] = sizes
}

// harness is a tenant whose remote endpoint is a temporary directory.
type harness struct {
	root    string
	tenant  config.TenantConfig
	remote  *fakeProvider
	store   *store.BoltStore
	tracker *RecordTracker
	logger  *logrus.Entry
	hook    *test.Hook
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return &harness{
		root: root,
		tenant: config.TenantConfig{
			ID:          "acme",
			Host:        "sftp.acme.test",
			Port:        22,
			Username:    "drop",
			Password:    "secret",
			BasePath:    "/acme",
			Secret:      "s3cr3t",
			ProfileCode: "LOANDOCS",
			Endpoint:    "http://127.0.0.1:1/ingest",
		},
		remote:  &fakeProvider{Provider: provider.NewLocalProvider(root)},
		store:   s,
		tracker: NewRecordTracker(s),
		logger:  logrus.NewEntry(logger),
		hook:    hook,
	}
}

func (h *harness) poller() *Poller {
	return NewPoller(h.tracker, PollerOptions{
		DetectWorkers: 2,
		Now:           func() time.Time { return testDay },
		Logger:        h.logger,
	})
}

func (h *harness) dispatcher(policy DispatchPolicy) *Dispatcher {
	return NewDispatcher(nil, h.tracker, policy, h.logger)
}

// pool returns a pool whose every dial hands out the harness provider.
func (h *harness) pool() *ConnectionPool {
	return NewConnectionPool(func(context.Context, config.TenantConfig) (provider.Provider, error) {
		return h.remote, nil
	}, WithPoolLogger(h.logger))
}

// local maps a remote path to its location on disk.
func (h *harness) local(remotePath string) string {
	return filepath.Join(h.root, filepath.FromSlash(remotePath))
}

func (h *harness) upload(t *testing.T, name, content string) {
	t.Helper()
	dir := h.local(h.tenant.InboundPath())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func (h *harness) stagingDir() string {
	return h.tenant.StagingPath(testDay)
}

// names lists the regular files in a remote directory.
func (h *harness) names(t *testing.T, remoteDir string) []string {
	t.Helper()
	entries, err := os.ReadDir(h.local(remoteDir))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	return out
}

// staged persists records that already reached staging.
func (h *harness) staged(t *testing.T, names ...string) []*store.FileRecord {
	t.Helper()
	var recs []*store.FileRecord
	for _, name := range names {
		rec := h.tracker.Detect(h.tenant.ID, path.Join(h.tenant.InboundPath(), name), name)
		rec.Size = 10
		rec.StagedPath = path.Join(h.stagingDir(), name)
		require.NoError(t, h.tracker.Transition(rec, store.StatusConfirmed, nil))
		require.NoError(t, h.tracker.Transition(rec, store.StatusStaged, nil))
		recs = append(recs, rec)
	}
	return recs
}

func (h *harness) statuses(t *testing.T) map[string]store.Status {
	t.Helper()
	recs, err := h.store.ListRecords(h.tenant.ID, nil)
	require.NoError(t, err)
	out := make(map[string]store.Status, len(recs))
	for _, r := range recs {
		out[r.Filename] = r.Status
	}
	return out
}

func (h *harness) hasMessage(msg string) bool {
	for _, e := range h.hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
