package models

import (
	"time"

	"go.uber.org/atomic"
)

// Entry represents a cache entry.
type Entry struct {
	Key            string
	Data           []byte
	AccessCount    *atomic.Int64
	LastAccessTime *atomic.Time
	Expiration     time.Time
}

// NewEntry creates a new Entry for key that expires at expiration.
func NewEntry(key string, data []byte, now, expiration time.Time) *Entry {
	return &Entry{
		Key:            key,
		Data:           data,
		AccessCount:    atomic.NewInt64(0),
		LastAccessTime: atomic.NewTime(now),
		Expiration:     expiration,
	}
}

// IsExpired checks if the entry has expired at the given instant.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.Expiration)
}

// IncrementAccess increments the access count and updates the last access time.
func (e *Entry) IncrementAccess(now time.Time) {
	e.AccessCount.Inc()
	e.LastAccessTime.Store(now)
}
