// Package sha256 digests snapshot content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/JakeFAU/scrape-service/internal/scrape"
)

// Hasher implements scrape.Hasher using SHA-256.
type Hasher struct{}

var _ scrape.Hasher = Hasher{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests r without buffering it whole.
func (Hasher) HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
