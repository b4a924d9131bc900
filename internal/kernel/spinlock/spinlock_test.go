package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	var l Spinlock
	l.Acquire()
	assert.True(t, l.Held())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.False(t, l.Held())
	require.True(t, l.TryAcquire())
	l.Release()
}

func TestReleaseUnlockedPanics(t *testing.T) {
	var l Spinlock
	assert.Panics(t, func() { l.Release() })
}

func TestReset(t *testing.T) {
	var l Spinlock
	l.Acquire()
	l.Reset()
	assert.False(t, l.Held())
}

func TestMutualExclusion(t *testing.T) {
	var (
		l       Spinlock
		wg      sync.WaitGroup
		inside  int
		counter int
	)
	const workers, rounds = 8, 2000

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l.Acquire()
				inside++
				if inside != 1 {
					panic("two holders inside the critical section")
				}
				counter++
				inside--
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
}
