package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex — хэш содержимого для ключей кэша.
func SHA256Hex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
