// Package digest computes the fixed set of hash algorithms the Mach-O
// code-signing format is defined over: SHA-1, SHA-256 (full and
// 20-byte truncated), SHA-384, and SHA-512.
package digest

import (
	"crypto/sha1"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	sha256simd "github.com/minio/sha256-simd"
)

// Algorithm identifies a code-signing hash type. The numeric values match
// the CodeDirectory HashType field (cdHashType*) so Algorithm(cd.HashType)
// is always a valid conversion.
type Algorithm uint8

const (
	None            Algorithm = 0
	SHA1            Algorithm = 1
	SHA256          Algorithm = 2
	SHA256Truncated Algorithm = 3
	SHA384          Algorithm = 4
	SHA512          Algorithm = 5

	// MD5 has no CodeDirectory hash-type assignment; it exists only so
	// callers naming it explicitly get ErrUnsupportedAlgorithm instead of
	// ErrUnknownAlgorithm.
	MD5 Algorithm = 0xf0
)

var ErrUnknownAlgorithm = errors.New("digest: unknown hash algorithm")
var ErrUnsupportedAlgorithm = errors.New("digest: unsupported hash algorithm")

// Size returns the output length in bytes of alg, or 0 if alg is not one
// of the supported algorithms.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return 20
	case SHA256:
		return 32
	case SHA256Truncated:
		return 20
	case SHA384:
		return 48
	case SHA512:
		return 64
	default:
		return 0
	}
}

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA256Truncated:
		return "sha256-truncated"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	case MD5:
		return "md5"
	default:
		return fmt.Sprintf("unknown(%#x)", uint8(a))
	}
}

func (a Algorithm) supported() bool {
	switch a {
	case SHA1, SHA256, SHA256Truncated, SHA384, SHA512:
		return true
	default:
		return false
	}
}

// classify reports which error (if any) requesting alg should produce.
func (a Algorithm) classify() error {
	if a.supported() {
		return nil
	}
	if a == MD5 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
	}
	return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, a)
}

// Sum computes the digest of data under alg.
func Sum(alg Algorithm, data []byte) ([]byte, error) {
	if err := alg.classify(); err != nil {
		return nil, err
	}
	h, _ := newHash(alg)
	h.Write(data)
	sum := h.Sum(nil)
	if alg == SHA256Truncated {
		sum = sum[:20]
	}
	return sum, nil
}

// Hasher is a resettable streaming digest context.
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// NewHasher returns a streaming context for alg.
func NewHasher(alg Algorithm) (*Hasher, error) {
	if err := alg.classify(); err != nil {
		return nil, err
	}
	h, _ := newHash(alg)
	return &Hasher{alg: alg, h: h}, nil
}

func (c *Hasher) Update(p []byte) { c.h.Write(p) }

func (c *Hasher) Sum() []byte {
	sum := c.h.Sum(nil)
	if c.alg == SHA256Truncated {
		sum = sum[:20]
	}
	return sum
}

func (c *Hasher) Reset() { c.h.Reset() }

func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA1:
		return sha1.New(), nil
	case SHA256, SHA256Truncated:
		return sha256simd.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, alg.classify()
	}
}
