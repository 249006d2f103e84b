// Package checksum computes the opaque digest producers attach to a
// FileState before calling RFSC.UpdateFileState. The algorithm itself is
// not part of the catalog's contract — the RFSC treats checksums as
// opaque strings — but it gives producers one consistent fast digest to
// attach. The local store neither computes nor verifies checksums.
package checksum

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Sum returns the hex-encoded BLAKE3 digest of r's content.
func Sum(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumBytes is Sum for an in-memory buffer.
func SumBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
