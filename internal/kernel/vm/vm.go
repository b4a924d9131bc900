// Package vm is the address-space subsystem: a pool of physical pages and
// per-process page tables that map page-aligned virtual addresses onto them.
//
// Page tables are owned by a single thread and are not synchronized. The
// pool's free list is shared and guarded by a spinlock.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
)

const (
	// PageSize is the size of a virtual and physical page in bytes.
	PageSize = 4096
	// PageSizeMask clears the in-page offset of an address.
	PageSizeMask = ^uintptr(PageSize - 1)
)

var (
	ErrOutOfMemory = errors.New("vm: out of physical pages")
	ErrNotMapped   = errors.New("vm: address not mapped")
	ErrReadOnly    = errors.New("vm: write to read-only page")
	ErrMapped      = errors.New("vm: page already mapped")
	ErrDestroyed   = errors.New("vm: page table destroyed")
)

// Pool hands out physical pages. Page number 0 is never handed out so it can
// mean "no page".
type Pool struct {
	guard  spinlock.Spinlock
	free   []int
	frames [][]byte
	tables int
}

// NewPool creates a pool with the given number of physical pages.
func NewPool(pages int) *Pool {
	p := &Pool{
		free:   make([]int, 0, pages),
		frames: make([][]byte, pages+1),
	}
	for i := pages; i >= 1; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// GetPage allocates one zeroed physical page.
func (p *Pool) GetPage() (int, bool) {
	p.guard.Acquire()
	defer p.guard.Release()

	if len(p.free) == 0 {
		return 0, false
	}
	phys := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if p.frames[phys] == nil {
		p.frames[phys] = make([]byte, PageSize)
	} else {
		clear(p.frames[phys])
	}
	return phys, true
}

// PutPage returns a physical page to the pool.
func (p *Pool) PutPage(phys int) {
	if phys <= 0 || phys >= len(p.frames) {
		panic(fmt.Sprintf("vm: bad physical page %d", phys))
	}
	p.guard.Acquire()
	p.free = append(p.free, phys)
	p.guard.Release()
}

// Free reports the number of unallocated physical pages.
func (p *Pool) Free() int {
	p.guard.Acquire()
	defer p.guard.Release()
	return len(p.free)
}

// Total reports the size of the pool in pages.
func (p *Pool) Total() int {
	return len(p.frames) - 1
}

// Tables reports the number of live page tables.
func (p *Pool) Tables() int {
	p.guard.Acquire()
	defer p.guard.Release()
	return p.tables
}

// Create builds an empty page table for the thread identified by owner.
func (p *Pool) Create(owner int) (*Pagetable, error) {
	p.guard.Acquire()
	defer p.guard.Release()

	if len(p.free) == 0 {
		return nil, fmt.Errorf("creating page table for thread %d: %w", owner, ErrOutOfMemory)
	}
	p.tables++
	return &Pagetable{
		owner:   owner,
		pool:    p,
		entries: make(map[uintptr]*entry),
	}, nil
}

// Destroy unmaps every page of pt and returns them to the pool. A nil page
// table is ignored.
func (p *Pool) Destroy(pt *Pagetable) {
	if pt == nil || pt.destroyed {
		return
	}
	for vaddr, e := range pt.entries {
		p.PutPage(e.phys)
		delete(pt.entries, vaddr)
	}
	pt.destroyed = true

	p.guard.Acquire()
	p.tables--
	p.guard.Release()
}

func (p *Pool) frame(phys int) []byte {
	return p.frames[phys]
}

type entry struct {
	phys  int
	dirty bool
}

// Pagetable maps virtual pages of one address space. A page whose dirty bit is
// clear is read-only.
type Pagetable struct {
	owner     int
	pool      *Pool
	entries   map[uintptr]*entry
	destroyed bool
}

// Owner returns the thread the page table was created for.
func (pt *Pagetable) Owner() int {
	return pt.owner
}

// Pages returns the number of mapped pages.
func (pt *Pagetable) Pages() int {
	return len(pt.entries)
}

// Map installs phys at the page containing vaddr.
func (pt *Pagetable) Map(phys int, vaddr uintptr, dirty bool) error {
	if pt.destroyed {
		return ErrDestroyed
	}
	page := vaddr & PageSizeMask
	if _, ok := pt.entries[page]; ok {
		return fmt.Errorf("mapping %#x: %w", page, ErrMapped)
	}
	pt.entries[page] = &entry{phys: phys, dirty: dirty}
	return nil
}

// SetDirty changes the writability of the page containing vaddr.
func (pt *Pagetable) SetDirty(vaddr uintptr, dirty bool) error {
	e, ok := pt.entries[vaddr&PageSizeMask]
	if !ok {
		return fmt.Errorf("set dirty %#x: %w", vaddr, ErrNotMapped)
	}
	e.dirty = dirty
	return nil
}

// Writable reports whether the page containing vaddr is mapped read-write.
func (pt *Pagetable) Writable(vaddr uintptr) bool {
	e, ok := pt.entries[vaddr&PageSizeMask]
	return ok && e.dirty
}

// Write copies data into the address space starting at vaddr.
func (pt *Pagetable) Write(vaddr uintptr, data []byte) error {
	return pt.walk(vaddr, len(data), true, func(frame []byte, done int) {
		copy(frame, data[done:])
	})
}

// Zero clears n bytes starting at vaddr.
func (pt *Pagetable) Zero(vaddr uintptr, n int) error {
	return pt.walk(vaddr, n, true, func(frame []byte, _ int) {
		clear(frame)
	})
}

// Read copies len(buf) bytes starting at vaddr into buf.
func (pt *Pagetable) Read(vaddr uintptr, buf []byte) error {
	return pt.walk(vaddr, len(buf), false, func(frame []byte, done int) {
		copy(buf[done:], frame)
	})
}

// Uint64 reads a little-endian word at vaddr.
func (pt *Pagetable) Uint64(vaddr uintptr) (uint64, error) {
	var b [8]byte
	if err := pt.Read(vaddr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// walk calls fn for every page-bounded chunk of [vaddr, vaddr+n). The slice
// passed to fn is exactly the chunk; done is the number of bytes before it.
func (pt *Pagetable) walk(vaddr uintptr, n int, write bool, fn func(frame []byte, done int)) error {
	if pt.destroyed {
		return ErrDestroyed
	}
	done := 0
	for done < n {
		addr := vaddr + uintptr(done)
		e, ok := pt.entries[addr&PageSizeMask]
		if !ok {
			return fmt.Errorf("access %#x: %w", addr, ErrNotMapped)
		}
		if write && !e.dirty {
			return fmt.Errorf("access %#x: %w", addr, ErrReadOnly)
		}
		off := int(addr &^ PageSizeMask)
		chunk := min(PageSize-off, n-done)
		fn(pt.pool.frame(e.phys)[off:off+chunk], done)
		done += chunk
	}
	return nil
}
