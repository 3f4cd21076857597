package dma

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/pcidemo/internal/physmem"
)

var ErrFreed = errors.New("dma: buffer already freed")

// Buffer is memory usable by both software and a DMA engine.
//
// Since this is pinned, physically addressed memory it is important to call
// Close() on every buffer.
type Buffer interface {
	io.Closer
	Bytes() []byte
	// PhysAddr is the address the engine uses for the first byte.
	PhysAddr() uint64
}

// Allocator provides coherent buffers, the equivalent of dma_alloc_coherent.
type Allocator interface {
	AllocCoherent(size int) (Buffer, error)
}

type buffer struct {
	data []byte
	phys uint64

	once  sync.Once
	close func() error
}

func (b *buffer) Bytes() []byte    { return b.data }
func (b *buffer) PhysAddr() uint64 { return b.phys }

func (b *buffer) Close() error {
	err := ErrFreed
	b.once.Do(func() {
		err = nil
		if b.close != nil {
			err = b.close()
		}
	})
	return err
}

// NewHeapBuffer returns a plain Go buffer with no physical address. It
// serves the direct-copy path when no coherent memory is available.
func NewHeapBuffer(size int) Buffer {
	return &buffer{data: make([]byte, size)}
}

// SpaceAllocator carves coherent buffers out of an emulated physical
// address space so that a SoftEngine can reach them.
type SpaceAllocator struct {
	space *physmem.Space
	alloc *physmem.Allocator
}

// NewSpaceAllocator allocates buffers inside [base, base+size) of space.
func NewSpaceAllocator(space *physmem.Space, base, size uint64) *SpaceAllocator {
	return &SpaceAllocator{
		space: space,
		alloc: physmem.NewAllocator(base, size),
	}
}

// AllocCoherent implements Allocator.
func (a *SpaceAllocator) AllocCoherent(size int) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid coherent size %d", size)
	}
	r, err := a.alloc.Allocate("coherent", uint64(size), 0)
	if err != nil {
		return nil, fmt.Errorf("dma: alloc coherent: %w", err)
	}
	data := make([]byte, r.Size)
	if err := a.space.Add(fmt.Sprintf("coherent@0x%x", r.Base), r.Base, data); err != nil {
		_ = a.alloc.Free(r.Base)
		return nil, fmt.Errorf("dma: alloc coherent: %w", err)
	}
	return &buffer{
		data: data[:size:size],
		phys: r.Base,
		close: func() error {
			return errors.Join(a.space.Remove(r.Base), a.alloc.Free(r.Base))
		},
	}, nil
}

// Live returns the number of outstanding buffers.
func (a *SpaceAllocator) Live() int {
	return len(a.alloc.Allocations())
}

var _ Allocator = (*SpaceAllocator)(nil)
