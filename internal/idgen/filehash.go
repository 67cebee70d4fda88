package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile computes the hex SHA-256 digest of the file at path, streamed so
// large JSONL exports don't need to be loaded into memory. Used for staleness
// detection between the on-disk issues.jsonl and the last export's recorded
// hash (§4.5/§4.6).
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the hex SHA-256 digest of b, the in-memory counterpart
// of HashFile.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
