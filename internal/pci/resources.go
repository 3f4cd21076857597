package pci

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned when a range is already claimed by another owner.
var ErrBusy = errors.New("pci: region busy")

type claim struct {
	owner string
	start uint64
	end   uint64
}

// ResourceTree tracks exclusive claims on physical address ranges, the
// equivalent of request_mem_region/release_mem_region.
type ResourceTree struct {
	mu     sync.Mutex
	claims []claim
}

// NewResourceTree returns an empty tree.
func NewResourceTree() *ResourceTree {
	return &ResourceTree{}
}

// Request claims [start, start+length) for owner.
func (t *ResourceTree) Request(owner string, start, length uint64) error {
	if length == 0 {
		return fmt.Errorf("pci: cannot request zero-length region for %s", owner)
	}
	end := start + length
	if end < start {
		return fmt.Errorf("pci: region 0x%x+0x%x wraps", start, length)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.claims {
		if start < c.end && end > c.start {
			return fmt.Errorf("%w: [0x%x-0x%x) held by %s", ErrBusy, c.start, c.end, c.owner)
		}
	}
	t.claims = append(t.claims, claim{owner: owner, start: start, end: end})
	return nil
}

// Release drops the claim on exactly [start, start+length).
func (t *ResourceTree) Release(start, length uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, c := range t.claims {
		if c.start == start && c.end == start+length {
			t.claims = append(t.claims[:i], t.claims[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("pci: release of unclaimed region [0x%x-0x%x)", start, start+length)
}

// Owner reports who holds addr, if anyone.
func (t *ResourceTree) Owner(addr uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.claims {
		if addr >= c.start && addr < c.end {
			return c.owner, true
		}
	}
	return "", false
}

// Len returns the number of live claims.
func (t *ResourceTree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}
