package cache

import (
	"time"
)

// Entry describes one cached response.
type Entry struct {
	// Key is the absolute URL exactly as the client sent it
	Key string `json:"key"`

	// Handle is the storage name of the payload (see StorageName)
	Handle string `json:"handle"`

	// Size is the payload length in bytes
	Size int `json:"size"`

	// StoredAt is when the payload was last written
	StoredAt time.Time `json:"stored_at"`
}

// Age returns how long ago the payload was last written.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}
