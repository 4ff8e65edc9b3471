package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

type Hash struct {
	hash hash.Hash
}

func NewHash(hash hash.Hash) *Hash {
	return &Hash{
		hash: hash,
	}
}

func (h *Hash) Key() string {
	return hex.EncodeToString(h.hash.Sum(nil))
}

func (h *Hash) Write(args ...[]byte) error {
	for _, arg := range args {
		_, err := h.hash.Write(arg)
		if err != nil {
			return err
		}
	}

	return nil
}

// Fingerprint derives a stable dedup key from the given segments.
// The queue stores it so the partial unique index can reject a second
// active job for the same (reservation, job type) pair.
func Fingerprint(segments ...string) string {
	h := NewHash(sha256.New())
	for _, s := range segments {
		_ = h.Write([]byte(s))
	}
	return h.Key()
}
