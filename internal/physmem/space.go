package physmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrOutOfRange = errors.New("physmem: address not backed")
	ErrOverlap    = errors.New("physmem: region overlaps existing region")
	ErrExhausted  = errors.New("physmem: address window exhausted")
)

// Memory resolves physical address ranges to the bytes backing them.
type Memory interface {
	Slice(addr, length uint64) ([]byte, error)
}

// Region describes one backed range of the physical address space.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

type backing struct {
	Region
	data []byte
}

// Space is an emulated physical address space built from named backing regions.
// Emulated BARs and coherent buffers live here so that mappers and the
// software DMA engine observe the same bytes.
type Space struct {
	mu      sync.RWMutex
	regions []backing // sorted by Base
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{}
}

// Add registers data as the backing store for [base, base+len(data)).
func (s *Space) Add(name string, base uint64, data []byte) error {
	size := uint64(len(data))
	if size == 0 {
		return fmt.Errorf("physmem: cannot add zero-size region %s", name)
	}
	end := base + size
	if end < base {
		return fmt.Errorf("physmem: region %s wraps the address space", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regions {
		if base < r.Base+r.Size && end > r.Base {
			return fmt.Errorf("%w: %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				ErrOverlap, name, base, end, r.Name, r.Base, r.Base+r.Size)
		}
	}

	s.regions = append(s.regions, backing{
		Region: Region{Name: name, Base: base, Size: size},
		data:   data,
	})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
	return nil
}

// Remove drops the region starting at base.
func (s *Space) Remove(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.Base == base {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: no region at 0x%x", ErrOutOfRange, base)
}

// Slice implements Memory. The range must fall inside a single region.
func (s *Space) Slice(addr, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("physmem: zero-length access at 0x%x", addr)
	}
	end := addr + length
	if end < addr {
		return nil, fmt.Errorf("%w: access at 0x%x wraps", ErrOutOfRange, addr)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Base+s.regions[i].Size > addr
	})
	if i == len(s.regions) {
		return nil, fmt.Errorf("%w: 0x%x", ErrOutOfRange, addr)
	}
	r := s.regions[i]
	if addr < r.Base || end > r.Base+r.Size {
		return nil, fmt.Errorf("%w: [0x%x-0x%x)", ErrOutOfRange, addr, end)
	}
	off := addr - r.Base
	return r.data[off : off+length : off+length], nil
}

// Regions returns a copy of the registered regions in address order.
func (s *Space) Regions() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = r.Region
	}
	return out
}

var _ Memory = (*Space)(nil)
