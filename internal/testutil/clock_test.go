package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_Defaults(t *testing.T) {
	c := NewStepClock(time.Time{}, 0)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Minute), c.Now())
}

func TestStepClock_AdvancesByStep(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewStepClock(start, time.Second)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Second), c.Now())
	assert.Equal(t, start.Add(2*time.Second), c.Peek())
	assert.Equal(t, start.Add(2*time.Second), c.Peek(), "Peek must not advance")
}

func TestStepClock_Advance(t *testing.T) {
	c := NewStepClock(Epoch, time.Second)
	c.Advance(24 * time.Hour)
	assert.Equal(t, Epoch.Add(24*time.Hour), c.Now())
}

func TestStepClock_Reset(t *testing.T) {
	c := NewStepClock(Epoch, time.Second)
	first := []time.Time{c.Now(), c.Now(), c.Now()}
	c.Reset()
	second := []time.Time{c.Now(), c.Now(), c.Now()}
	assert.Equal(t, first, second)
}

func TestStepClock_ConcurrentCallsAreDistinct(t *testing.T) {
	c := NewStepClock(Epoch, time.Millisecond)

	const n = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[time.Time]bool)

	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := c.Now()
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, Epoch.Add(n*time.Millisecond), c.Peek())
}
