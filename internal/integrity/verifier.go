// Package integrity verifies a completed download against the optional
// expected_hash/hash_algorithm fields added in SPEC_FULL.md §3.1. The
// Worker calls Verify at finalize time when a request carries an
// expected hash; a mismatch is treated as a finalize-stage error rather
// than a successful completion.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileVerifier handles file integrity checks
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// Verify checks if the file at path matches the expected hash. algo may
// be "" per SPEC_FULL.md §3.1's hash_algorithm field; inferAlgorithm
// derives it from the expected digest's length in that case, since a
// caller populating expected_hash alone still intends a check.
func (v *FileVerifier) Verify(path string, algo string, expected string) error {
	if algo == "" {
		algo = inferAlgorithm(expected)
	}

	actual, err := CalculateHash(path, algo)
	if err != nil {
		return err
	}

	if actual != expected {
		return fmt.Errorf("hash mismatch: expected %s, got %s", expected, actual)
	}

	return nil
}

// inferAlgorithm guesses a hash algorithm from the expected digest's hex
// length: 64 chars for sha256, 32 for md5. Any other length is passed
// through unresolved so CalculateHash reports "unsupported algorithm".
func inferAlgorithm(expected string) string {
	switch len(expected) {
	case 64:
		return "sha256"
	case 32:
		return "md5"
	default:
		return ""
	}
}

// CalculateHash computes the hash of a file
// algorithm should be "sha256" or "md5"
func CalculateHash(filePath string, algorithm string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var hash string
	if algorithm == "sha256" {
		hasher := sha256.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else if algorithm == "md5" {
		hasher := md5.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else {
		return "", fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	return hash, nil
}
