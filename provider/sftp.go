package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ensure interface is implemented
var _ Provider = (*SFTPProvider)(nil)

const (
	keepaliveRequest   = "keepalive@openssh.com"
	posixRenameExt     = "posix-rename@openssh.com"
	defaultDialTimeout = 10 * time.Second
)

// SFTPConfig holds what is needed to open a session to an SFTP endpoint.
type SFTPConfig struct {
	Addr           string
	Username       string
	Password       string
	PrivateKeyPath string
	// KnownHostsPath enables host key checking. When empty every host key
	// is accepted.
	KnownHostsPath   string
	HandshakeTimeout time.Duration
	// Keepalive sends a transport-level keepalive at this interval; zero disables it.
	Keepalive time.Duration
}

// SFTPProvider is a Provider backed by an SSH transport and an SFTP client.
type SFTPProvider struct {
	ssh         *ssh.Client
	client      *sftp.Client
	posixRename bool

	closed    atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialSFTP performs the TCP connect, SSH handshake and SFTP subsystem start.
// The whole sequence is bounded by ctx and cfg.HandshakeTimeout.
func DialSFTP(ctx context.Context, cfg SFTPConfig) (*SFTPProvider, error) {
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Addr, err)
	}

	// Unblock the handshake if ctx ends before it completes.
	stopAfter := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopAfter()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", cfg.Addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem on %s: %w", cfg.Addr, err)
	}

	return newSFTPProvider(sshClient, client, cfg.Keepalive), nil
}

func newSFTPProvider(sshClient *ssh.Client, client *sftp.Client, keepalive time.Duration) *SFTPProvider {
	_, posix := client.HasExtension(posixRenameExt)
	p := &SFTPProvider{
		ssh:         sshClient,
		client:      client,
		posixRename: posix,
		stop:        make(chan struct{}),
	}
	if keepalive > 0 && sshClient != nil {
		go p.keepalive(keepalive)
	}
	return p
}

func (c SFTPConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}
	return methods, nil
}

func (c SFTPConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

func (p *SFTPProvider) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, _, err := p.ssh.SendRequest(keepaliveRequest, true, nil); err != nil {
				// The next Ping reports the dead transport to the pool.
				return
			}
		}
	}
}

func (p *SFTPProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	var info os.FileInfo
	err := run(ctx, func() error {
		var err error
		info, err = p.client.Stat(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (p *SFTPProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	var entries []os.FileInfo
	err := run(ctx, func() error {
		var err error
		entries, err = p.client.ReadDir(path)
		return err
	})
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = e
	}
	return infos, nil
}

func (p *SFTPProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	var f *sftp.File
	err := run(ctx, func() error {
		var err error
		f, err = p.client.Open(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *SFTPProvider) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	var f *sftp.File
	err := run(ctx, func() error {
		var err error
		f, err = p.client.Create(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Rename uses posix-rename when the server supports it. Plain SFTP rename
// refuses to overwrite, so an existing newPath is removed first.
func (p *SFTPProvider) Rename(ctx context.Context, oldPath, newPath string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return run(ctx, func() error {
		if p.posixRename {
			return p.client.PosixRename(oldPath, newPath)
		}
		if err := p.client.Remove(newPath); err != nil && !IsNotExist(err) {
			return fmt.Errorf("failed to remove existing %s: %w", newPath, err)
		}
		return p.client.Rename(oldPath, newPath)
	})
}

func (p *SFTPProvider) Remove(ctx context.Context, path string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return run(ctx, func() error { return p.client.Remove(path) })
}

func (p *SFTPProvider) MkdirAll(ctx context.Context, path string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return run(ctx, func() error { return p.client.MkdirAll(path) })
}

// Ping round-trips a keepalive on the transport and a realpath on the
// SFTP channel.
func (p *SFTPProvider) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return run(ctx, func() error {
		if p.ssh != nil {
			if _, _, err := p.ssh.SendRequest(keepaliveRequest, true, nil); err != nil {
				return fmt.Errorf("transport keepalive failed: %w", err)
			}
		}
		if _, err := p.client.Getwd(); err != nil {
			return fmt.Errorf("sftp channel unresponsive: %w", err)
		}
		return nil
	})
}

func (p *SFTPProvider) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)

		var result *multierror.Error
		if err := p.client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sftp client: %w", err))
		}
		if p.ssh != nil {
			if err := p.ssh.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				result = multierror.Append(result, fmt.Errorf("ssh transport: %w", err))
			}
		}
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}
