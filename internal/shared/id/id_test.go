package id

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsOrdered(t *testing.T) {
	gen := NewGenerator()

	prev := gen.Generate()
	for i := 0; i < 100; i++ {
		next := gen.Generate()
		assert.Equal(t, -1, prev.Compare(next), "ULIDs must increase")
		prev = next
	}
}

func TestTypedIDs(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
	}{
		{"rendezvous", NewRendezvousID().String(), "rdv_"},
		{"event", NewEventID().String(), "evt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, strings.HasPrefix(tt.id, tt.prefix))
			_, err := ulid.Parse(strings.TrimPrefix(tt.id, tt.prefix))
			assert.NoError(t, err)
		})
	}
}

func TestBootID(t *testing.T) {
	a, b := NewBootID(), NewBootID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a.String())
	assert.NoError(t, err)
}

func TestEventIDsSortByCreation(t *testing.T) {
	first := NewEventID()
	second := NewEventID()
	assert.Less(t, first.String(), second.String())
}

func TestConcurrentGeneration(t *testing.T) {
	const workers, each = 8, 200

	var mu sync.Mutex
	seen := make(map[RendezvousID]struct{}, workers*each)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				id := NewRendezvousID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*each)
}
