// Package dma defines the contract a driver has with an asynchronous copy
// engine: channels are acquired for a capability, memcpy-shaped descriptors
// are submitted and later issued, and every accepted descriptor completes
// exactly once through its callback.
package dma

import (
	"errors"
	"fmt"
)

var (
	ErrNoChannel     = errors.New("dma: no channel available")
	ErrSubmitFailed  = errors.New("dma: submit failed")
	ErrAborted       = errors.New("dma: transfer aborted")
	ErrReleased      = errors.New("dma: channel released")
	ErrNotMapped     = errors.New("dma: address not mapped")
	ErrNotContiguous = errors.New("dma: buffer not physically contiguous")
)

// Capability is a bitmask of operations a channel must support.
type Capability uint32

const (
	CapMemcpy Capability = 1 << iota
	CapSlave
	CapInterrupt
)

func (c Capability) String() string {
	s := ""
	for _, f := range []struct {
		bit  Capability
		name string
	}{{CapMemcpy, "memcpy"}, {CapSlave, "slave"}, {CapInterrupt, "interrupt"}} {
		if c&f.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Direction of a streaming mapping.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

// Cookie identifies a submitted descriptor on its channel.
type Cookie int32

// Result is delivered to a descriptor's callback.
type Result struct {
	Cookie Cookie
	Err    error
}

// Descriptor is a memcpy from Src to Dst, both bus addresses.
type Descriptor struct {
	Src    uint64
	Dst    uint64
	Length uint64
	// Callback fires exactly once for every accepted descriptor, after the
	// copied bytes are visible to the caller.
	Callback func(Result)
}

// Mapping is a streaming DMA mapping of a physical range.
type Mapping struct {
	Addr      uint64
	BusAddr   uint64
	Length    uint64
	Direction Direction
}

func (m Mapping) String() string {
	return fmt.Sprintf("0x%x+0x%x -> bus 0x%x", m.Addr, m.Length, m.BusAddr)
}

// Engine hands out channels and streaming mappings.
type Engine interface {
	AcquireChannel(caps Capability) (Channel, error)
	MapSingle(addr, length uint64, dir Direction) (Mapping, error)
	UnmapSingle(m Mapping) error
}

// Channel executes descriptors.
type Channel interface {
	ID() int
	// Submit queues d without starting it and never blocks.
	Submit(d Descriptor) (Cookie, error)
	// IssuePending starts everything submitted so far.
	IssuePending()
	// Terminate aborts queued descriptors. When it returns no copy is in
	// progress and every submitted descriptor's callback has fired.
	Terminate()
	// Release terminates outstanding work and gives the channel back.
	Release() error
}
