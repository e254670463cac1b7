package engine

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumReader computes a CRC64 of everything read through it, so a
// transfer can log a checksum without a second pass over the file.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader wraps r.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: crc64.New(crcTable)}
}

func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the CRC64 of the bytes read so far.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the number of bytes read so far.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// FormatChecksum renders a checksum the way transfer logs print it.
func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
