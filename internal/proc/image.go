package proc

import (
	"fmt"
	"io"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
)

// Segment describes one loadable region of an executable.
type Segment struct {
	Vaddr    uintptr
	Location int64
	Size     int
}

// Pages returns the number of virtual pages the segment touches.
func (s Segment) Pages() int {
	if s.Size <= 0 {
		return 0
	}
	first := s.Vaddr & vm.PageSizeMask
	last := (s.Vaddr + uintptr(s.Size) - 1) & vm.PageSizeMask
	return int((last-first)/vm.PageSize) + 1
}

func (s Segment) contains(addr uintptr) bool {
	return addr >= s.Vaddr && addr < s.Vaddr+uintptr(s.Size)
}

// Image is a loaded executable: a read-only and a read-write segment backed
// by a seekable file.
type Image struct {
	Entry uintptr
	RO    Segment
	RW    Segment
	File  io.ReadSeeker
}

// Loader resolves an executable by name.
type Loader interface {
	Load(name string) (*Image, error)
}

// UserContext is the initial register state of a process.
type UserContext struct {
	SP uintptr
	PC uintptr
}

// Userland transfers a thread to user mode. Enter does not return: the
// program leaves user mode through the exit syscall.
type Userland interface {
	Enter(t *thread.Thread, ctx UserContext)
}

func (tb *Table) validate(img *Image) error {
	if img.Entry < vm.PageSize || !img.RO.contains(img.Entry) {
		return fmt.Errorf("entry point %#x: %w", img.Entry, ErrInvalidImage)
	}
	for _, seg := range []Segment{img.RO, img.RW} {
		if seg.Size < 0 || (seg.Size > 0 && seg.Vaddr < vm.PageSize) {
			return fmt.Errorf("segment at %#x: %w", seg.Vaddr, ErrInvalidImage)
		}
	}
	pages := tb.cfg.StackPages + img.RO.Pages() + img.RW.Pages()
	if pages > tb.cfg.MaxUserPages {
		return fmt.Errorf("image needs %d pages, limit %d: %w", pages, tb.cfg.MaxUserPages, ErrInvalidImage)
	}
	return nil
}

// mapRange backs n pages starting at the page containing vaddr.
func (tb *Table) mapRange(pt *vm.Pagetable, vaddr uintptr, n int) error {
	base := vaddr & vm.PageSizeMask
	for i := 0; i < n; i++ {
		phys, ok := tb.mem.GetPage()
		if !ok {
			return vm.ErrOutOfMemory
		}
		if err := pt.Map(phys, base+uintptr(i*vm.PageSize), true); err != nil {
			tb.mem.PutPage(phys)
			return err
		}
	}
	return nil
}

func (tb *Table) copySegment(pt *vm.Pagetable, f io.ReadSeeker, seg Segment) error {
	if seg.Size == 0 {
		return nil
	}
	if err := pt.Zero(seg.Vaddr, seg.Size); err != nil {
		return err
	}
	if _, err := f.Seek(seg.Location, io.SeekStart); err != nil {
		return fmt.Errorf("seeking segment: %w", err)
	}
	buf := make([]byte, seg.Size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("reading segment: %w", err)
	}
	return pt.Write(seg.Vaddr, buf)
}

// buildAddressSpace maps the stack and both segments into pt, copies the
// segment contents and write-protects the read-only segment.
func (tb *Table) buildAddressSpace(pt *vm.Pagetable, img *Image) (UserContext, error) {
	if err := tb.validate(img); err != nil {
		return UserContext{}, err
	}

	stackBase := (UserlandStackTop & vm.PageSizeMask) - uintptr((tb.cfg.StackPages-1)*vm.PageSize)
	if err := tb.mapRange(pt, stackBase, tb.cfg.StackPages); err != nil {
		return UserContext{}, fmt.Errorf("mapping stack: %w", err)
	}
	for _, seg := range []Segment{img.RO, img.RW} {
		if err := tb.mapRange(pt, seg.Vaddr, seg.Pages()); err != nil {
			return UserContext{}, fmt.Errorf("mapping segment at %#x: %w", seg.Vaddr, err)
		}
		if err := tb.copySegment(pt, img.File, seg); err != nil {
			return UserContext{}, fmt.Errorf("loading segment at %#x: %w", seg.Vaddr, err)
		}
	}

	base := img.RO.Vaddr & vm.PageSizeMask
	for i := 0; i < img.RO.Pages(); i++ {
		if err := pt.SetDirty(base+uintptr(i*vm.PageSize), false); err != nil {
			return UserContext{}, err
		}
	}
	return UserContext{SP: UserlandStackTop, PC: img.Entry}, nil
}
