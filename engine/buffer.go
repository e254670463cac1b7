package engine

import (
	"context"
	"io"
	"sync"
)

// sftpPacketSize is the largest data payload the SFTP client carries per
// read or write request.
const sftpPacketSize = 32 * 1024

// BufferPool recycles copy buffers of one size between transfers.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers holding the given number of SFTP
// packets, at least one.
func NewBufferPool(packets int) *BufferPool {
	size := max(packets, 1) * sftpPacketSize
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size is the length of every buffer handed out.
func (bp *BufferPool) Size() int { return bp.size }

// Copy streams src into dst through a pooled buffer, checking ctx between
// reads. It returns the number of bytes written.
func (bp *BufferPool) Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.pool.Get().(*[]byte)
	defer bp.pool.Put(buf)

	// The wrappers hide ReadFrom and WriteTo so io.CopyBuffer uses buf.
	return io.CopyBuffer(writerOnly{dst}, &ctxReader{ctx: ctx, r: src}, *buf)
}

type writerOnly struct {
	io.Writer
}

// ctxReader stops a copy between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
