// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package modsys

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/samber/oops"
)

var integrityAlgorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// ParseIntegrity splits a subresource-integrity value ("sha384-<base64>")
// into its algorithm and decoded digest.
func ParseIntegrity(value string) (algorithm string, digest []byte, err error) {
	algorithm, encoded, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok || encoded == "" {
		return "", nil, oops.In("modsys").Code("INTEGRITY_INVALID").
			With("integrity", value).Errorf("integrity must be <algorithm>-<base64 digest>")
	}
	newHash, known := integrityAlgorithms[algorithm]
	if !known {
		return "", nil, oops.In("modsys").Code("INTEGRITY_INVALID").
			With("algorithm", algorithm).Errorf("unsupported integrity algorithm %q", algorithm)
	}
	digest, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, oops.In("modsys").Code("INTEGRITY_INVALID").
			With("integrity", value).Wrapf(err, "decode integrity digest")
	}
	if len(digest) != newHash().Size() {
		return "", nil, oops.In("modsys").Code("INTEGRITY_INVALID").
			With("algorithm", algorithm).With("length", len(digest)).
			Errorf("digest length does not match %s", algorithm)
	}
	return algorithm, digest, nil
}

// ComputeIntegrity returns the integrity value of data for algorithm.
func ComputeIntegrity(algorithm string, data []byte) (string, error) {
	newHash, ok := integrityAlgorithms[algorithm]
	if !ok {
		return "", oops.In("modsys").Code("INTEGRITY_INVALID").
			With("algorithm", algorithm).Errorf("unsupported integrity algorithm %q", algorithm)
	}
	h := newHash()
	h.Write(data)
	return algorithm + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// verifyIntegrity checks data against the expected integrity value.
func verifyIntegrity(addr, expected string, data []byte) error {
	algorithm, want, err := ParseIntegrity(expected)
	if err != nil {
		return err
	}
	h := integrityAlgorithms[algorithm]()
	h.Write(data)
	if subtle.ConstantTimeCompare(h.Sum(nil), want) != 1 {
		return oops.In("modsys").Code("INTEGRITY_MISMATCH").
			With("address", addr).With("algorithm", algorithm).
			Errorf("integrity mismatch for %s", addr)
	}
	return nil
}
