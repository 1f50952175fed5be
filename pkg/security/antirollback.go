package security

import (
	"sync"

	"github.com/cuemby/minerguard/pkg/types"
)

// ValidateAntiRollback reports whether counter is strictly newer than lastAccepted
func ValidateAntiRollback(lastAccepted, counter uint64) bool {
	return counter > lastAccepted
}

// CheckAntiRollback returns an *types.AntiRollbackError when counter is stale or replayed
func CheckAntiRollback(lastAccepted, counter uint64) error {
	if !ValidateAntiRollback(lastAccepted, counter) {
		return &types.AntiRollbackError{Last: lastAccepted, Attempted: counter}
	}
	return nil
}

// Watermarks tracks the last accepted counter per key in memory. Advance is
// atomic per Watermarks value: concurrent calls for the same key cannot both
// accept the same counter.
type Watermarks struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewWatermarks creates an empty watermark set
func NewWatermarks() *Watermarks {
	return &Watermarks{last: make(map[string]uint64)}
}

// Advance accepts counter for key if it is newer than the current watermark
func (w *Watermarks) Advance(key string, counter uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	last := w.last[key]
	if err := CheckAntiRollback(last, counter); err != nil {
		return err
	}
	w.last[key] = counter
	return nil
}

// Seed raises the watermark for key to at least counter
func (w *Watermarks) Seed(key string, counter uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if counter > w.last[key] {
		w.last[key] = counter
	}
}

// Last returns the current watermark for key
func (w *Watermarks) Last(key string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[key]
}
