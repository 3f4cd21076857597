//go:build linux

package dma

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = (1 << 55) - 1
)

// LockedAllocator allocates host memory pinned with mlock and resolves its
// physical address through /proc/self/pagemap. Reading PFNs needs
// CAP_SYS_ADMIN; allocations spanning non-contiguous frames fail with
// ErrNotContiguous.
type LockedAllocator struct {
	// Pagemap is the pagemap path, "/proc/self/pagemap" when empty.
	Pagemap string
}

// AllocCoherent implements Allocator.
func (a LockedAllocator) AllocCoherent(size int) (Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid coherent size %d", size)
	}
	pageSize := unix.Getpagesize()
	length := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(
		-1,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap coherent: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("dma: mlock coherent: %w", err)
	}

	phys, err := a.resolve(mem, pageSize)
	if err != nil {
		unix.Munlock(mem)
		unix.Munmap(mem)
		return nil, err
	}

	return &buffer{
		data: mem[:size:size],
		phys: phys,
		close: func() error {
			return errors.Join(unix.Munlock(mem), unix.Munmap(mem))
		},
	}, nil
}

// resolve returns the physical address of mem, which must be backed by
// consecutive frames.
func (a LockedAllocator) resolve(mem []byte, pageSize int) (uint64, error) {
	path := a.Pagemap
	if path == "" {
		path = "/proc/self/pagemap"
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("dma: open pagemap: %w", err)
	}
	defer f.Close()

	base := uintptr(unsafe.Pointer(&mem[0]))
	pages := len(mem) / pageSize
	entries := make([]byte, 8*pages)
	if _, err := f.ReadAt(entries, int64(base/uintptr(pageSize))*8); err != nil {
		return 0, fmt.Errorf("dma: read pagemap: %w", err)
	}

	var first uint64
	for i := 0; i < pages; i++ {
		entry := binary.LittleEndian.Uint64(entries[i*8:])
		if entry&pagemapPresent == 0 {
			return 0, fmt.Errorf("dma: page %d of coherent buffer not present", i)
		}
		pfn := entry & pagemapPFNMask
		if pfn == 0 {
			return 0, fmt.Errorf("dma: pagemap hides frame numbers (need CAP_SYS_ADMIN)")
		}
		if i == 0 {
			first = pfn
			continue
		}
		if pfn != first+uint64(i) {
			return 0, fmt.Errorf("%w: page %d at pfn 0x%x, expected 0x%x", ErrNotContiguous, i, pfn, first+uint64(i))
		}
	}
	return first * uint64(pageSize), nil
}

var _ Allocator = LockedAllocator{}
