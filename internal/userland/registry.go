// Package userland runs user programs. Programs are Go functions registered
// by name; the registry doubles as the executable loader, producing images
// whose text segment names the program slot at the entry point. The Machine
// is the user-mode CPU: it fetches that word from the process address space,
// runs the program and turns its return into the exit syscall.
package userland

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
)

// ErrNoSuchProgram is returned when loading an unregistered name.
var ErrNoSuchProgram = errors.New("userland: no such program")

const (
	// TextBase is where every program's read-only segment is mapped.
	TextBase uintptr = 0x400000
	// DataBase is where every program's read-write segment is mapped.
	DataBase uintptr = 0x600000

	textSize = 16
	dataSize = 8
	magic    = "kcoreexe"
)

// Program is a user program. Its return value is the exit code.
type Program func(u *User) int

// Registry maps program names to programs.
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]uint64
	programs []Program
}

// NewRegistry returns an empty registry. Slot 0 is never used.
func NewRegistry() *Registry {
	return &Registry{
		slots:    make(map[string]uint64),
		programs: []Program{nil},
	}
}

// Register adds or replaces the program called name.
func (r *Registry) Register(name string, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.slots[name]; ok {
		r.programs[slot] = p
		return
	}
	r.slots[name] = uint64(len(r.programs))
	r.programs = append(r.programs, p)
}

// Names lists the registered programs in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds the executable image of name.
func (r *Registry) Load(name string) (*proc.Image, error) {
	r.mu.RLock()
	slot, ok := r.slots[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("loading %q: %w", name, ErrNoSuchProgram)
	}

	file := make([]byte, textSize+dataSize)
	binary.LittleEndian.PutUint64(file[0:8], slot)
	copy(file[8:textSize], magic)
	return &proc.Image{
		Entry: TextBase,
		RO:    proc.Segment{Vaddr: TextBase, Location: 0, Size: textSize},
		RW:    proc.Segment{Vaddr: DataBase, Location: textSize, Size: dataSize},
		File:  bytes.NewReader(file),
	}, nil
}

func (r *Registry) lookup(slot uint64) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if slot == 0 || slot >= uint64(len(r.programs)) {
		return nil, false
	}
	return r.programs[slot], true
}
