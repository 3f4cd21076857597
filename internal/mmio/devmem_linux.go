//go:build linux

package mmio

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// DevMemMapper maps host physical ranges through /dev/mem.
type DevMemMapper struct {
	// Path is the memory device, "/dev/mem" when empty.
	Path string

	res Reserver
	log *slog.Logger
}

// NewDevMemMapper returns a /dev/mem mapper reserving ranges in res.
func NewDevMemMapper(res Reserver, log *slog.Logger) *DevMemMapper {
	if log == nil {
		log = slog.Default()
	}
	return &DevMemMapper{res: res, log: log}
}

// Map implements Mapper. The range does not need to be page aligned.
func (m *DevMemMapper) Map(owner string, start, length uint64) (*Region, error) {
	path := m.Path
	if path == "" {
		path = "/dev/mem"
	}
	return reserveAndMap(m.res, owner, start, length, func() ([]byte, func() error, error) {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			return nil, nil, err
		}
		// the mapping outlives the descriptor
		defer f.Close()

		pageMask := uint64(unix.Getpagesize() - 1)
		pageOff := start & pageMask
		maxInt := uint64(^uint(0) >> 1)
		if length+pageOff > maxInt {
			return nil, nil, fmt.Errorf("length %d exceeds host address limit", length)
		}

		mem, err := unix.Mmap(
			int(f.Fd()),
			int64(start-pageOff),
			int(length+pageOff),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("mmap %s at 0x%x: %w", path, start, err)
		}
		m.log.Debug("mmio: mapped /dev/mem", "owner", owner, "start", fmt.Sprintf("0x%x", start), "length", length)
		return mem[pageOff : pageOff+length], func() error { return unix.Munmap(mem) }, nil
	})
}

// Unmap implements Mapper.
func (m *DevMemMapper) Unmap(r *Region) error {
	return unmapAndRelease(m.res, r)
}

var _ Mapper = (*DevMemMapper)(nil)
