package content

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashBytes is the digest used to compare workspace and published bytes.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
