package mmio

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/pcidemo/internal/pci"
	"github.com/tinyrange/pcidemo/internal/physmem"
)

// Reserver claims physical ranges exclusively. *pci.ResourceTree implements it.
type Reserver interface {
	Request(owner string, start, length uint64) error
	Release(start, length uint64) error
}

// reserveAndMap claims the range, then runs mapFn; the claim is dropped
// again when mapping fails.
func reserveAndMap(res Reserver, owner string, start, length uint64, mapFn func() ([]byte, func() error, error)) (*Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length region for %s", ErrMapFailed, owner)
	}
	if err := res.Request(owner, start, length); err != nil {
		if errors.Is(err, pci.ErrBusy) {
			return nil, fmt.Errorf("%w: %w", ErrResourceBusy, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	data, release, err := mapFn()
	if err != nil {
		if rerr := res.Release(start, length); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	return newRegion(owner, start, data, release), nil
}

func unmapAndRelease(res Reserver, r *Region) error {
	if r == nil {
		return ErrUnmapped
	}
	err := r.unmap()
	if errors.Is(err, ErrUnmapped) {
		return err
	}
	// the mapping is gone even when its teardown failed
	return errors.Join(err, res.Release(r.start, r.length))
}

// PhysMapper maps ranges of an emulated physical address space.
type PhysMapper struct {
	mem physmem.Memory
	res Reserver
	log *slog.Logger
}

// NewPhysMapper returns a mapper over mem that reserves ranges in res.
func NewPhysMapper(mem physmem.Memory, res Reserver, log *slog.Logger) *PhysMapper {
	if log == nil {
		log = slog.Default()
	}
	return &PhysMapper{mem: mem, res: res, log: log}
}

// Map implements Mapper.
func (m *PhysMapper) Map(owner string, start, length uint64) (*Region, error) {
	r, err := reserveAndMap(m.res, owner, start, length, func() ([]byte, func() error, error) {
		data, err := m.mem.Slice(start, length)
		if err != nil {
			return nil, nil, err
		}
		return data, nil, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("mmio: mapped region", "owner", owner, "start", fmt.Sprintf("0x%x", start), "length", length)
	return r, nil
}

// Unmap implements Mapper.
func (m *PhysMapper) Unmap(r *Region) error {
	if err := unmapAndRelease(m.res, r); err != nil {
		return err
	}
	m.log.Debug("mmio: unmapped region", "owner", r.owner)
	return nil
}

var _ Mapper = (*PhysMapper)(nil)
