// Package pci describes the bus-side collaborators of a PCI function driver:
// function discovery by vendor/device ID, enable/disable, bus mastering,
// BAR resources and the iomem reservation tree.
package pci

import (
	"errors"
	"fmt"
)

// Configuration space registers and command bits used by the driver.
const (
	ConfigVendorID = 0x00
	ConfigDeviceID = 0x02
	ConfigCommand  = 0x04
	ConfigStatus   = 0x06
	ConfigClass    = 0x08
	ConfigBAR0     = 0x10

	CommandIOSpace     = 1 << 0
	CommandMemorySpace = 1 << 1
	CommandBusMaster   = 1 << 2

	NumBARs = 6
)

// Vendor and device IDs of the demo function.
const (
	VendorIDDemo = 0x1234
	DeviceIDDemo = 0x4567
)

var (
	ErrNoResource = errors.New("pci: BAR not implemented")
	ErrNoDevice   = errors.New("pci: no matching device")
)

// ID is the (vendor, device) pair a driver matches functions against.
type ID struct {
	Vendor uint16
	Device uint16
}

// DemoID matches the demo function.
var DemoID = ID{Vendor: VendorIDDemo, Device: DeviceIDDemo}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// ResourceFlags describe a BAR.
type ResourceFlags uint32

const (
	ResourceIO ResourceFlags = 1 << iota
	ResourceMemory
	ResourcePrefetch
	Resource64
)

// Resource is one decoded BAR.
type Resource struct {
	Start  uint64
	Length uint64
	Flags  ResourceFlags
}

// End returns the first address after the resource.
func (r Resource) End() uint64 { return r.Start + r.Length }

func (r Resource) String() string {
	return fmt.Sprintf("[mem 0x%x-0x%x]", r.Start, r.End())
}

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Function is a PCI function as seen by a driver.
type Function interface {
	// Address is the bus location, e.g. "0000:00:03.0".
	Address() string
	ID() ID

	Enable() error
	Disable() error
	SetMaster(enable bool) error

	Resource(bar int) (Resource, error)
}

// Bus enumerates functions.
type Bus interface {
	Functions() ([]Function, error)
}

// Match returns the functions on bus whose ID is in ids, in bus order.
func Match(bus Bus, ids []ID) ([]Function, error) {
	fns, err := bus.Functions()
	if err != nil {
		return nil, fmt.Errorf("pci: enumerate functions: %w", err)
	}
	var out []Function
	for _, fn := range fns {
		for _, id := range ids {
			if fn.ID() == id {
				out = append(out, fn)
				break
			}
		}
	}
	return out, nil
}

// updateCommand read-modify-writes the command register.
func updateCommand(cs ConfigSpace, set, clear uint16) error {
	cmd, err := cs.ReadConfig(ConfigCommand, 2)
	if err != nil {
		return fmt.Errorf("pci: read command register: %w", err)
	}
	v := (uint16(cmd) | set) &^ clear
	if err := cs.WriteConfig(ConfigCommand, 2, uint32(v)); err != nil {
		return fmt.Errorf("pci: write command register: %w", err)
	}
	return nil
}
