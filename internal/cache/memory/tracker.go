package memory

import (
	"sync"

	"goflare.io/scribe/internal/models"
)

// Tracker tracks the live entry for every key held by the store.
type Tracker struct {
	trackedKeys sync.Map // string -> *models.Entry
}

// NewTracker creates a new Tracker instance.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records entry as the live entry for its key.
func (t *Tracker) Add(entry *models.Entry) {
	t.trackedKeys.Store(entry.Key, entry)
}

// Remove stops tracking key.
func (t *Tracker) Remove(key string) {
	t.trackedKeys.Delete(key)
}

// RemoveEntry stops tracking entry's key only if entry is still the live one.
func (t *Tracker) RemoveEntry(entry *models.Entry) bool {
	return t.trackedKeys.CompareAndDelete(entry.Key, entry)
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	t.trackedKeys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Keys returns all tracked keys.
func (t *Tracker) Keys() []string {
	var keys []string
	t.trackedKeys.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	return keys
}

// Reset drops every tracked key.
func (t *Tracker) Reset() {
	t.trackedKeys.Range(func(k, _ any) bool {
		t.trackedKeys.Delete(k)
		return true
	})
}
