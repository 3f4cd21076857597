//go:build !linux

package dma

import "fmt"

// LockedAllocator is only available on Linux.
type LockedAllocator struct {
	Pagemap string
}

func (LockedAllocator) AllocCoherent(size int) (Buffer, error) {
	return nil, fmt.Errorf("dma: locked coherent memory unsupported on this platform")
}

var _ Allocator = LockedAllocator{}
