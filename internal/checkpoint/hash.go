package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ComputeIntegrityHash returns the SHA-256 hash of the checkpoint's
// canonical JSON encoding with the integrity hash field cleared. Load-time
// verification recomputes the hash the same way, so any byte of drift in
// the persisted content is detected.
func ComputeIntegrityHash(c *Checkpoint) (string, error) {
	clone := *c
	clone.IntegrityHash = ""

	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint for hashing: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the checkpoint's integrity hash and reports
// whether it matches the stored value exactly.
func VerifyIntegrity(c *Checkpoint) (bool, error) {
	if c.IntegrityHash == "" {
		return false, nil
	}
	computed, err := ComputeIntegrityHash(c)
	if err != nil {
		return false, err
	}
	return computed == c.IntegrityHash, nil
}

// HashFile returns the SHA-256 hash of a file's contents. Used for the
// workflow definition hash recorded at checkpoint time and recompared on
// resume.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
