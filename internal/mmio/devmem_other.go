//go:build !linux

package mmio

import (
	"fmt"
	"log/slog"
)

// DevMemMapper maps host physical ranges through /dev/mem. Only Linux is supported.
type DevMemMapper struct {
	Path string

	res Reserver
}

func NewDevMemMapper(res Reserver, log *slog.Logger) *DevMemMapper {
	return &DevMemMapper{res: res}
}

func (m *DevMemMapper) Map(owner string, start, length uint64) (*Region, error) {
	return nil, fmt.Errorf("%w: /dev/mem unsupported on this platform", ErrMapFailed)
}

func (m *DevMemMapper) Unmap(r *Region) error {
	return unmapAndRelease(m.res, r)
}

var _ Mapper = (*DevMemMapper)(nil)
