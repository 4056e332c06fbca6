// Package digest computes content hashes of artifact files. Files are read in
// fixed-size chunks so arbitrarily large datasets never sit in memory.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = types.DefaultChunkSize

// Hasher digests files with a fixed read size.
type Hasher struct {
	chunkSize int
}

// New creates a Hasher reading chunkSize bytes at a time. Non-positive sizes
// fall back to DefaultChunkSize.
func New(chunkSize int) *Hasher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Hasher{chunkSize: chunkSize}
}

// ChunkSize returns the configured read size.
func (h *Hasher) ChunkSize() int {
	return h.chunkSize
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
// A missing or unreadable file is reported as types.ErrIO.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", types.ErrIO, path, err)
	}
	defer f.Close()

	sum, err := h.HashReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %w", types.ErrIO, path, err)
	}
	return sum, nil
}

// HashReader digests r until EOF.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	sum := sha256.New()
	buf := make([]byte, h.chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashBytes digests an in-memory value.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile digests path with DefaultChunkSize.
func HashFile(path string) (string, error) {
	return New(DefaultChunkSize).HashFile(path)
}
