package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

// ErrClosed is returned by operations on a provider after Close.
var ErrClosed = errors.New("provider closed")

// FileInfo represents the standard metadata for a remote file or directory.
// os.FileInfo satisfies it.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider is an authenticated session to one tenant's file-transfer endpoint.
// A Provider is owned by a single tenant and is safe for use by that tenant's
// goroutines.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite creates or truncates a file for streaming writes.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Rename moves oldPath to newPath in a single server-side operation,
	// replacing newPath if it exists.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Remove deletes a file.
	Remove(ctx context.Context, path string) error

	// MkdirAll creates a directory and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// Ping probes the underlying transport.
	Ping(ctx context.Context) error

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// IsNotExist reports whether err indicates a missing file on any provider.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// run executes fn and returns early with ctx's error if ctx ends first.
// Client libraries without context support keep running fn in the
// background; its result is discarded.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
