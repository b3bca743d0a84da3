package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HashAlgorithm represents the hashing algorithm to use
type HashAlgorithm string

const (
	SHA256  HashAlgorithm = "sha256"
	BLAKE2b HashAlgorithm = "blake2b"
)

// ParseHashAlgorithm maps a configured name to an algorithm.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	switch HashAlgorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE2b:
		return BLAKE2b, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// Hasher provides extensible hashing functionality
type Hasher struct {
	algorithm HashAlgorithm
}

// NewHasher creates a new hasher with the specified algorithm
func NewHasher(algorithm HashAlgorithm) *Hasher {
	return &Hasher{
		algorithm: algorithm,
	}
}

// DefaultHasher returns a hasher with the default algorithm
func DefaultHasher() *Hasher {
	return NewHasher(SHA256)
}

// Algorithm returns the hasher's algorithm.
func (h *Hasher) Algorithm() HashAlgorithm {
	return h.algorithm
}

// Hash computes a hash of the input data
func (h *Hasher) Hash(data []byte) string {
	switch h.algorithm {
	case BLAKE2b:
		sum := blake2b.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// HashString computes a hash of a string
func (h *Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}

// ScriptIdentifier derives the digest a script is cached under.
type ScriptIdentifier struct {
	hasher *Hasher
}

// NewScriptIdentifier creates a script identifier
func NewScriptIdentifier(hasher *Hasher) *ScriptIdentifier {
	if hasher == nil {
		hasher = DefaultHasher()
	}
	return &ScriptIdentifier{hasher: hasher}
}

// Digest returns the content digest of a script, prefixed with the algorithm
// so digests from differently configured hosts never collide.
func (si *ScriptIdentifier) Digest(source string) string {
	return string(si.hasher.algorithm) + ":" + si.hasher.HashString(source)
}

// ShortDigest returns a short (8-character) form for logs
func (si *ScriptIdentifier) ShortDigest(digest string) string {
	if i := strings.IndexByte(digest, ':'); i >= 0 {
		digest = digest[i+1:]
	}
	if len(digest) < 8 {
		return digest
	}
	return digest[:8]
}

// Verify checks that a digest matches a script
func (si *ScriptIdentifier) Verify(digest, source string) bool {
	return si.Digest(source) == digest
}
