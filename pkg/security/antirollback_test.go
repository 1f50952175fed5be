package security

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuemby/minerguard/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestValidateAntiRollback(t *testing.T) {
	tests := []struct {
		name    string
		last    uint64
		counter uint64
		want    bool
	}{
		{name: "equal counter replayed", last: 5, counter: 5, want: false},
		{name: "older counter", last: 5, counter: 3, want: false},
		{name: "newer counter", last: 5, counter: 6, want: true},
		{name: "first message", last: 0, counter: 1, want: true},
		{name: "zero counter", last: 0, counter: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAntiRollback(tt.last, tt.counter))
		})
	}
}

func TestCheckAntiRollback(t *testing.T) {
	err := CheckAntiRollback(5, 3)
	var rb *types.AntiRollbackError
	assert.ErrorAs(t, err, &rb)
	assert.Equal(t, uint64(5), rb.Last)
	assert.Equal(t, uint64(3), rb.Attempted)
	assert.ErrorIs(t, err, types.ErrAntiRollback)

	assert.NoError(t, CheckAntiRollback(5, 6))
}

func TestWatermarksAdvance(t *testing.T) {
	w := NewWatermarks()
	w.Seed("miner-1", 5)

	assert.Error(t, w.Advance("miner-1", 5))
	assert.Error(t, w.Advance("miner-1", 3))
	assert.NoError(t, w.Advance("miner-1", 6))
	assert.Equal(t, uint64(6), w.Last("miner-1"))
}

func TestWatermarksConcurrentReplay(t *testing.T) {
	w := NewWatermarks()
	var accepted int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Advance("miner-1", 1) == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted)
}
