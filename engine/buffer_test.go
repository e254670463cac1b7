package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// sizeRecorder notes the buffer length of every Read.
type sizeRecorder struct {
	r     io.Reader
	sizes []int
}

func (s *sizeRecorder) Read(p []byte) (int, error) {
	s.sizes = append(s.sizes, len(p))
	return s.r.Read(p)
}

func TestBufferPool_SizeIsWholePackets(t *testing.T) {
	if got := NewBufferPool(0).Size(); got != sftpPacketSize {
		t.Errorf("expected %d bytes for zero packets, got %d", sftpPacketSize, got)
	}
	if got := NewBufferPool(transferPackets).Size(); got != 256*1024 {
		t.Errorf("expected transfer buffers of %d bytes, got %d", 256*1024, got)
	}
}

func TestBufferPool_CopyUsesPooledBuffer(t *testing.T) {
	bp := NewBufferPool(1)
	data := strings.Repeat("x", 3*sftpPacketSize+10)
	src := &sizeRecorder{r: strings.NewReader(data)}

	// bytes.Buffer implements io.ReaderFrom, which would otherwise pick its
	// own read sizes.
	var dst bytes.Buffer
	n, err := bp.Copy(context.Background(), &dst, src)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if n != int64(len(data)) || dst.String() != data {
		t.Fatalf("expected %d bytes copied intact, got %d", len(data), n)
	}
	for i, size := range src.sizes {
		if size != bp.Size() {
			t.Errorf("read %d used a %d byte buffer, want %d", i, size, bp.Size())
		}
	}
}

func TestBufferPool_CopyStopsWhenCancelled(t *testing.T) {
	bp := NewBufferPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	n, err := bp.Copy(ctx, &dst, strings.NewReader("payload"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 0 || dst.Len() != 0 {
		t.Errorf("expected nothing copied, got %d bytes", n)
	}
}
