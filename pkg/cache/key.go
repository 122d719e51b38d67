package cache

import (
	"crypto/md5"
	"encoding/hex"
)

// StorageName returns the storage identifier for a cache key: the
// lowercase hex encoding of its MD5 digest.
//
// The key is not normalized, so two spellings of the same URL are two
// entries. Names are always 32 characters and safe to use as file names.
//
// Example:
//
//	StorageName("http://localhost:8080/500") // "3a1d..." (32 hex chars)
func StorageName(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
