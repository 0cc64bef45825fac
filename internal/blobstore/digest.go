package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestAlgorithm names a content digest function. Digests are rendered as
// "<algorithm>:<hex>" so blobs staged under different settings stay comparable.
type DigestAlgorithm string

const (
	DigestSHA256  DigestAlgorithm = "sha256"
	DigestBlake2b DigestAlgorithm = "blake2b"

	DefaultDigest = DigestSHA256
)

// ParseDigestAlgorithm validates a configured algorithm name.
func ParseDigestAlgorithm(raw string) (DigestAlgorithm, error) {
	switch alg := DigestAlgorithm(strings.ToLower(strings.TrimSpace(raw))); alg {
	case "":
		return DefaultDigest, nil
	case DigestSHA256, DigestBlake2b:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm: %s", raw)
	}
}

// NewHash returns a fresh hash for alg.
func NewHash(alg DigestAlgorithm) (hash.Hash, error) {
	switch alg {
	case DigestSHA256, "":
		return sha256.New(), nil
	case DigestBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
}

// FormatDigest renders a hash sum with its algorithm prefix.
func FormatDigest(alg DigestAlgorithm, sum []byte) string {
	if alg == "" {
		alg = DefaultDigest
	}
	return string(alg) + ":" + hex.EncodeToString(sum)
}

// DigestAlgorithmOf returns the algorithm encoded in a formatted digest.
func DigestAlgorithmOf(digest string) (DigestAlgorithm, error) {
	alg, _, ok := strings.Cut(digest, ":")
	if !ok {
		return "", fmt.Errorf("malformed digest: %q", digest)
	}
	return ParseDigestAlgorithm(alg)
}

// DigestReader consumes r and returns its formatted digest and length.
func DigestReader(ctx context.Context, alg DigestAlgorithm, r io.Reader) (string, int64, error) {
	h, err := NewHash(alg)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, ReaderWithContext(ctx, r))
	if err != nil {
		return "", n, err
	}
	return FormatDigest(alg, h.Sum(nil)), n, nil
}
