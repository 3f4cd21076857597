package physmem

import (
	"fmt"
	"sort"
	"sync"
)

const defaultAlignment = 0x1000

// Allocator hands out physical address ranges from a fixed window.
// Allocation is first-fit so freed ranges are reused.
type Allocator struct {
	mu sync.Mutex

	base uint64
	size uint64

	allocations []Region // sorted by Base
}

// NewAllocator creates an allocator covering [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{base: base, size: size}
}

// Allocate reserves size bytes aligned to align (4 KiB when zero).
// The size is rounded up to the alignment.
func (a *Allocator) Allocate(name string, size, align uint64) (Region, error) {
	if size == 0 {
		return Region{}, fmt.Errorf("physmem: cannot allocate zero-size region for %s", name)
	}
	if align == 0 {
		align = defaultAlignment
	}
	if align&(align-1) != 0 {
		return Region{}, fmt.Errorf("physmem: alignment 0x%x is not a power of 2 for %s", align, name)
	}
	size = alignUp(size, align)

	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.base + a.size
	cursor := alignUp(a.base, align)
	idx := 0
	for ; idx <= len(a.allocations); idx++ {
		gapEnd := limit
		if idx < len(a.allocations) {
			gapEnd = a.allocations[idx].Base
		}
		if cursor+size >= cursor && cursor+size <= gapEnd {
			break
		}
		if idx < len(a.allocations) {
			next := a.allocations[idx]
			cursor = alignUp(next.Base+next.Size, align)
		}
	}
	if idx > len(a.allocations) || cursor+size > limit || cursor+size < cursor {
		return Region{}, fmt.Errorf("%w: no room for %s (0x%x bytes)", ErrExhausted, name, size)
	}

	r := Region{Name: name, Base: cursor, Size: size}
	a.allocations = append(a.allocations, r)
	sort.Slice(a.allocations, func(i, j int) bool { return a.allocations[i].Base < a.allocations[j].Base })
	return r, nil
}

// Free returns the allocation starting at base to the window.
func (a *Allocator) Free(base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.allocations {
		if r.Base == base {
			a.allocations = append(a.allocations[:i], a.allocations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("physmem: no allocation at 0x%x", base)
}

// Allocations returns a copy of the live allocations.
func (a *Allocator) Allocations() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Region, len(a.allocations))
	copy(out, a.allocations)
	return out
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
