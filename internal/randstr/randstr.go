// Package randstr provides the crypto/rand-backed same-length random
// string generator used by the anti-instrumentation string sanitizer
// (C4). It is a separate package so internal/elfmodel, its only caller,
// can draw from it without importing the root fripac package.
package randstr

import "crypto/rand"

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Bytes draws n alphanumeric bytes from crypto/rand. Each call reads
// fresh entropy rather than a shared math/rand source, so concurrent
// sanitization passes across goroutines never race over PRNG state
// (spec §5: "draw from a per-build PRNG so concurrent builds produce
// distinct identifiers").
func Bytes(n int) ([]byte, error) {
	idx := make([]byte, n)
	if _, err := rand.Read(idx); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i, b := range idx {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return out, nil
}
