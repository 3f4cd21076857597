// Package mmio maps physical device ranges into the process and provides
// bounds-checked access to them.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	ErrResourceBusy = errors.New("mmio: resource busy")
	ErrMapFailed    = errors.New("mmio: map failed")
	ErrOutOfBounds  = errors.New("mmio: access out of bounds")
	ErrUnaligned    = errors.New("mmio: unaligned access")
	ErrUnmapped     = errors.New("mmio: region not mapped")
)

// Mapper establishes and tears down mappings of physical ranges.
type Mapper interface {
	// Map reserves [start, start+length) for owner and maps it.
	Map(owner string, start, length uint64) (*Region, error)
	// Unmap tears down the mapping and then releases the reservation.
	Unmap(r *Region) error
}

// Region is one live mapping. All accessors reject offsets outside
// [0, Len()) and fail with ErrUnmapped once the region is torn down.
type Region struct {
	owner  string
	start  uint64
	length uint64

	mu     sync.RWMutex
	data   []byte
	mapped bool

	release func() error
}

func newRegion(owner string, start uint64, data []byte, release func() error) *Region {
	return &Region{
		owner:   owner,
		start:   start,
		length:  uint64(len(data)),
		data:    data,
		mapped:  true,
		release: release,
	}
}

// Owner returns the name the range was reserved for.
func (r *Region) Owner() string { return r.owner }

// Start returns the physical base address.
func (r *Region) Start() uint64 { return r.start }

// Len returns the mapped length in bytes.
func (r *Region) Len() uint64 { return r.length }

// Mapped reports whether the region is still live.
func (r *Region) Mapped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mapped
}

func (r *Region) String() string {
	return fmt.Sprintf("%s [mem 0x%x-0x%x]", r.owner, r.start, r.start+r.length)
}

// unmap runs the backend teardown once. Later calls report ErrUnmapped.
func (r *Region) unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.mapped {
		return ErrUnmapped
	}
	r.mapped = false
	r.data = nil
	if r.release != nil {
		return r.release()
	}
	return nil
}

func (r *Region) check(off int64, n int) error {
	if !r.mapped {
		return ErrUnmapped
	}
	if off < 0 || n < 0 || uint64(off) > r.length || uint64(n) > r.length-uint64(off) {
		return fmt.Errorf("%w: offset %d length %d in %d-byte region", ErrOutOfBounds, off, n, r.length)
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off. The whole range must be mapped.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, r.data[off:]), nil
}

// WriteAt copies p into the region starting at off.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(r.data[off:], p), nil
}

// CopyTo writes n bytes starting at off to w. The region stays read-locked
// for the duration, so w must not unmap it.
func (r *Region) CopyTo(w io.Writer, off int64, n int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, n); err != nil {
		return 0, err
	}
	return w.Write(r.data[off : off+int64(n)])
}

// Load8 reads one byte.
func (r *Region) Load8(off int64) (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, 1); err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// Store8 writes one byte.
func (r *Region) Store8(off int64, v uint8) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, 1); err != nil {
		return err
	}
	r.data[off] = v
	return nil
}

// Load16 reads a little-endian halfword.
func (r *Region) Load16(off int64) (uint16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.data[off:]), nil
}

// Store16 writes a little-endian halfword.
func (r *Region) Store16(off int64, v uint16) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.data[off:], v)
	return nil
}

// Load32 performs a single 32-bit load, the width device registers expect.
func (r *Region) Load32(off int64) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 4); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off]))), nil
}

// Store32 performs a single 32-bit store.
func (r *Region) Store32(off int64, v uint32) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 4); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[off])), v)
	return nil
}

// Load64 performs a single 64-bit load.
func (r *Region) Load64(off int64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 8); err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.data[off]))), nil
}

// Store64 performs a single 64-bit store.
func (r *Region) Store64(off int64, v uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkAligned(off, 8); err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.data[off])), v)
	return nil
}

func (r *Region) checkAligned(off int64, width int) error {
	if err := r.check(off, width); err != nil {
		return err
	}
	addr := uintptr(unsafe.Pointer(&r.data[off]))
	if off%int64(width) != 0 || addr%uintptr(width) != 0 {
		return fmt.Errorf("%w: %d-byte access at offset %d", ErrUnaligned, width, off)
	}
	return nil
}
