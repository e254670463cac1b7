package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ensure interface is implemented
var _ Provider = (*LocalProvider)(nil)

// LocalProvider implements Provider over a posix filesystem rooted at a
// directory. It stands in for a tenant's remote endpoint in tests.
type LocalProvider struct {
	basePath string
	closed   atomic.Bool
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	// Clean against a rooted path so ".." cannot climb out of basePath.
	return filepath.Join(p.basePath, filepath.Clean("/"+path))
}

func (p *LocalProvider) check(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return os.Stat(p.resolve(path))
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	return os.Open(p.resolve(path))
}

func (p *LocalProvider) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}

	fullPath := p.resolve(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// Rename uses rename(2), which atomically replaces newPath.
func (p *LocalProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return os.Rename(p.resolve(oldPath), p.resolve(newPath))
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return os.Remove(p.resolve(path))
}

func (p *LocalProvider) MkdirAll(ctx context.Context, path string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	return os.MkdirAll(p.resolve(path), 0o755)
}

// Ping verifies the root is still reachable.
func (p *LocalProvider) Ping(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	root := p.basePath
	if root == "" {
		root = "."
	}
	_, err := os.Stat(root)
	return err
}

func (p *LocalProvider) Close() error {
	p.closed.Store(true)
	return nil
}
