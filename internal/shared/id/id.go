// Package id provides identity generation for the kernel.
//
// Rendezvous keys and lifecycle events carry prefixed ULIDs so that log lines
// sort by creation time and read clearly:
//
//	rdv_01HV3K9Z7Q8X4M2N5P6R7S8T9V
//
// A boot is identified by a random UUID.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RendezvousID identifies a join rendezvous shared by a process tree.
type RendezvousID string

// EventID identifies one lifecycle event on the debug stream.
type EventID string

// BootID identifies one kernel boot.
type BootID string

const (
	RendezvousPrefix = "rdv"
	EventPrefix      = "evt"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// ordering within the same millisecond.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRendezvousID generates a rendezvous key identity.
func NewRendezvousID() RendezvousID {
	return RendezvousID(Default().GenerateWithPrefix(RendezvousPrefix))
}

// NewEventID generates a lifecycle event identity.
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

// NewBootID generates a boot identity.
func NewBootID() BootID {
	return BootID(uuid.NewString())
}

func (id RendezvousID) String() string { return string(id) }
func (id EventID) String() string      { return string(id) }
func (id BootID) String() string       { return string(id) }
