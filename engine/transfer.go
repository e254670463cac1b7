package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/franksops/ingestd/config"
)

// TransferStat describes a completed single-file transfer.
type TransferStat struct {
	Path     string
	Bytes    int64
	Checksum uint64
	Duration time.Duration
}

// transferPackets sizes copy buffers: eight SFTP packets keep the client's
// request pipeline full without holding much memory per transfer.
const transferPackets = 8

// Transfer performs ad-hoc operations on a tenant's remote endpoint through
// the shared pool. Relative remote paths resolve against the tenant's base
// path.
type Transfer struct {
	pool      *ConnectionPool
	buffers   *BufferPool
	ioTimeout time.Duration
	log       *logrus.Entry
}

// NewTransfer creates a Transfer. ioTimeout bounds open, mkdir and remove
// calls; the copy itself is bounded only by ctx.
func NewTransfer(pool *ConnectionPool, ioTimeout time.Duration, logger *logrus.Entry) *Transfer {
	return &Transfer{
		pool:      pool,
		buffers:   NewBufferPool(transferPackets),
		ioTimeout: ioTimeout,
		log:       componentLogger(logger, "transfer"),
	}
}

// Fetch copies remotePath to localPath, creating local parent directories.
// The local file is written under a temporary name and renamed into place.
func (t *Transfer) Fetch(ctx context.Context, tenant config.TenantConfig, remotePath, localPath string) (TransferStat, error) {
	start := time.Now()
	remotePath = resolveRemote(tenant, remotePath)

	conn, err := t.pool.Acquire(ctx, tenant)
	if err != nil {
		return TransferStat{}, err
	}

	openCtx, cancel := withTimeout(ctx, t.ioTimeout)
	src, err := conn.OpenRead(openCtx, remotePath)
	cancel()
	if err != nil {
		return TransferStat{}, &TransientIOError{TenantID: tenant.ID, Op: "open", Path: remotePath, Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return TransferStat{}, fmt.Errorf("create local directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return TransferStat{}, fmt.Errorf("create local file: %w", err)
	}

	cr := NewChecksumReader(src)
	copyErr := t.copy(ctx, tmp, cr)
	if cerr := tmp.Close(); cerr != nil && copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		return TransferStat{}, &TransientIOError{TenantID: tenant.ID, Op: "fetch", Path: remotePath, Err: copyErr}
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		os.Remove(tmp.Name())
		return TransferStat{}, fmt.Errorf("finalize %s: %w", localPath, err)
	}

	stat := TransferStat{Path: localPath, Bytes: cr.BytesRead(), Checksum: cr.Checksum(), Duration: time.Since(start)}
	t.logDone(tenant, "fetched file", remotePath, stat)
	return stat, nil
}

// Push uploads localPath into remoteDir under its base name, creating the
// directory if missing. It returns the remote path written.
func (t *Transfer) Push(ctx context.Context, tenant config.TenantConfig, localPath, remoteDir string) (TransferStat, error) {
	start := time.Now()
	remoteDir = resolveRemote(tenant, remoteDir)
	target := path.Join(remoteDir, filepath.Base(localPath))

	src, err := os.Open(localPath)
	if err != nil {
		return TransferStat{}, fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	conn, err := t.pool.Acquire(ctx, tenant)
	if err != nil {
		return TransferStat{}, err
	}

	ioCtx, cancel := withTimeout(ctx, t.ioTimeout)
	defer cancel()
	if err := conn.MkdirAll(ioCtx, remoteDir); err != nil {
		return TransferStat{}, &TransientIOError{TenantID: tenant.ID, Op: "mkdir", Path: remoteDir, Err: err}
	}
	dst, err := conn.OpenWrite(ioCtx, target)
	if err != nil {
		return TransferStat{}, &TransientIOError{TenantID: tenant.ID, Op: "create", Path: target, Err: err}
	}

	cr := NewChecksumReader(src)
	var result *multierror.Error
	if err := t.copy(ctx, dst, cr); err != nil {
		result = multierror.Append(result, err)
	}
	if err := dst.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return TransferStat{}, &TransientIOError{TenantID: tenant.ID, Op: "push", Path: target, Err: err}
	}

	stat := TransferStat{Path: target, Bytes: cr.BytesRead(), Checksum: cr.Checksum(), Duration: time.Since(start)}
	t.logDone(tenant, "pushed file", localPath, stat)
	return stat, nil
}

// Remove deletes a remote file.
func (t *Transfer) Remove(ctx context.Context, tenant config.TenantConfig, remotePath string) error {
	remotePath = resolveRemote(tenant, remotePath)

	conn, err := t.pool.Acquire(ctx, tenant)
	if err != nil {
		return err
	}

	ioCtx, cancel := withTimeout(ctx, t.ioTimeout)
	defer cancel()
	if err := conn.Remove(ioCtx, remotePath); err != nil {
		return &TransientIOError{TenantID: tenant.ID, Op: "remove", Path: remotePath, Err: err}
	}
	t.log.WithFields(logrus.Fields{"tenant": tenant.ID, "path": remotePath}).Info("removed remote file")
	return nil
}

func (t *Transfer) copy(ctx context.Context, dst io.Writer, src io.Reader) error {
	_, err := t.buffers.Copy(ctx, dst, src)
	return err
}

func (t *Transfer) logDone(tenant config.TenantConfig, msg, from string, stat TransferStat) {
	t.log.WithFields(logrus.Fields{
		"tenant":   tenant.ID,
		"from":     from,
		"to":       stat.Path,
		"bytes":    stat.Bytes,
		"crc64":    FormatChecksum(stat.Checksum),
		"duration": stat.Duration,
	}).Info(msg)
}

func resolveRemote(tenant config.TenantConfig, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(tenant.BasePath, p)
}
