// Package digest computes and compares fixed-size content digests.
//
// Files are streamed through the hash in small chunks so memory use stays
// constant regardless of file size.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported hash function.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA256:
		return sha256.Size
	case BLAKE3:
		return 32
	default:
		return 0
	}
}

// New returns a fresh hash for a. Panics on an unknown algorithm; callers
// obtain algorithms through Parse.
func (a Algorithm) New() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	default:
		panic(fmt.Sprintf("digest: unknown algorithm %q", string(a)))
	}
}

// Sum is an algorithm-tagged digest. The zero Sum means "no expected hash".
type Sum struct {
	Algorithm Algorithm
	Value     []byte
}

// IsZero reports whether no digest is set.
func (s Sum) IsZero() bool { return len(s.Value) == 0 }

// Equal compares two digests in constant time.
func (s Sum) Equal(other Sum) bool {
	return s.Algorithm == other.Algorithm && subtle.ConstantTimeCompare(s.Value, other.Value) == 1
}

// String returns "<algorithm>:<hex>".
func (s Sum) String() string {
	if s.IsZero() {
		return ""
	}
	return string(s.Algorithm) + ":" + hex.EncodeToString(s.Value)
}

// Hex returns the lowercase hex encoding of the digest value.
func (s Sum) Hex() string { return hex.EncodeToString(s.Value) }

// Parse decodes a hex digest for algorithm a. Hex case is ignored.
func Parse(a Algorithm, hexString string) (Sum, error) {
	size := a.Size()
	if size == 0 {
		return Sum{}, fmt.Errorf("unknown hash algorithm %q", string(a))
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(hexString))
	if err != nil {
		return Sum{}, fmt.Errorf("parsing %s digest: %w", a, err)
	}
	if len(decoded) != size {
		return Sum{}, fmt.Errorf("%s digest is %d bytes, want %d", a, len(decoded), size)
	}
	return Sum{Algorithm: a, Value: decoded}, nil
}

// Bytes hashes data.
func Bytes(a Algorithm, data []byte) Sum {
	h := a.New()
	h.Write(data)
	return Sum{Algorithm: a, Value: h.Sum(nil)}
}

// Reader hashes everything read from r.
func Reader(a Algorithm, r io.Reader) (Sum, error) {
	h := a.New()
	buf := make([]byte, 512)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return Sum{}, err
	}
	return Sum{Algorithm: a, Value: h.Sum(nil)}, nil
}

// File hashes the file at path.
func File(path string, a Algorithm) (Sum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sum{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	sum, err := Reader(a, f)
	if err != nil {
		return Sum{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return sum, nil
}

// ErrMismatch is returned by Verify when digests differ.
var ErrMismatch = errors.New("digest mismatch")

// Verify hashes data and compares it against want.
func Verify(want Sum, data []byte) error {
	got := Bytes(want.Algorithm, data)
	if !got.Equal(want) {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, want.Hex(), got.Hex())
	}
	return nil
}
