package chunk

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3-256 digest of a chunk's bytes.
func Fingerprint(data []byte) string {
	digest := blake3.Sum256(data)
	return hex.EncodeToString(digest[:])
}
