// Package integrity hashes a file and checks it against the digest an
// Intent recorded at submission time. The mismatch-or-missing-digest
// decision governs two call sites with the same shape — PartFile's Ghost
// File acceptance and the Engine's post-download verification — so it
// lives here once instead of being duplicated at both.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// CalculateHash computes the hash of a file. algorithm is "sha256" or "md5".
func CalculateHash(filePath string, algorithm string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// VerifyDigest reports whether the file at path matches expectedDigest
// under digestAlgo. An empty expectedDigest never verifies — a caller
// that wants to accept an undigested file on size alone must check
// HasDigest first and take that branch itself, rather than this function
// silently treating "nothing to check" as success.
func VerifyDigest(path, digestAlgo, expectedDigest string) error {
	if expectedDigest == "" {
		return fmt.Errorf("integrity: no expected digest for %s", path)
	}
	actual, err := CalculateHash(path, digestAlgo)
	if err != nil {
		return fmt.Errorf("integrity: hash %s: %w", path, err)
	}
	if actual != expectedDigest {
		return fmt.Errorf("integrity: hash mismatch for %s: expected %s, got %s", path, expectedDigest, actual)
	}
	return nil
}

// HasDigest reports whether an intent carries an expected digest at all.
// Both PartFile's Ghost File acceptance and the Engine's post-download
// check gate on this before trusting bytes already on disk.
func HasDigest(expectedDigest string) bool {
	return expectedDigest != ""
}
