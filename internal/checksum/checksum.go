// Package checksum computes SHA256 digests in the "sha256:hexstring" form
// used for command fingerprints and cache record integrity.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Prefix is the algorithm tag every digest string starts with
const Prefix = "sha256:"

// SHA256Bytes computes the SHA256 hash of a byte slice and returns it as "sha256:hexstring"
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(hash[:])
}

// SHA256Reader computes the SHA256 hash of everything readable from r.
// Uses streaming so large captures never have to be duplicated in memory.
func SHA256Reader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to read data: %w", err)
	}
	return Prefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsValid reports whether sum is a well-formed "sha256:hexstring" digest
func IsValid(sum string) bool {
	if !strings.HasPrefix(sum, Prefix) {
		return false
	}
	hexPart := strings.TrimPrefix(sum, Prefix)
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// Verify checks that data hashes to the expected digest.
// Expected format: "sha256:hexstring"
func Verify(data []byte, expectedSum string) error {
	if !IsValid(expectedSum) {
		return fmt.Errorf("invalid checksum format: %q", expectedSum)
	}
	actualSum := SHA256Bytes(data)
	if actualSum != expectedSum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSum, actualSum)
	}
	return nil
}
