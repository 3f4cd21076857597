package pci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/pcidemo/internal/physmem"
)

const (
	type0BARStride = 4
	configSize     = 256
)

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(io bool, size uint64, align uint64) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint64, align uint64) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	base := (a.next + align - 1) &^ (align - 1)
	if base < a.base || base+size < base || base+size > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + size
	return base, nil
}

type deviceKey struct {
	bus uint8
	dev uint8
	fn  uint8
}

func (k deviceKey) String() string {
	return fmt.Sprintf("0000:%02x:%02x.%x", k.bus, k.dev, k.fn)
}

func (k deviceKey) less(o deviceKey) bool {
	if k.bus != o.bus {
		return k.bus < o.bus
	}
	if k.dev != o.dev {
		return k.dev < o.dev
	}
	return k.fn < o.fn
}

// HostBridgeConfig describes the MMIO window BARs are placed in and the
// address space that backs them.
type HostBridgeConfig struct {
	MMIOBase     uint64
	MMIOSize     uint64
	Memory       *physmem.Space
	BARAllocator BARAllocator
}

// HostBridge is an emulated PCI root complex. Endpoints registered on it
// get their BAR0 allocated from the MMIO window and backed by memory in the
// shared physical address space.
type HostBridge struct {
	mmioBase uint64
	mmioSize uint64

	memory       *physmem.Space
	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[deviceKey]*Endpoint
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultMMIOBase = 0x20000000
		defaultMMIOSize = 0x10000000
	)

	h := &HostBridge{
		mmioBase: cfg.MMIOBase,
		mmioSize: cfg.MMIOSize,
		memory:   cfg.Memory,
		devices:  make(map[deviceKey]*Endpoint),
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.memory == nil {
		h.memory = physmem.NewSpace()
	}
	if cfg.BARAllocator != nil {
		h.barAllocator = cfg.BARAllocator
	} else {
		h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	}
	return h
}

// Memory returns the address space backing the bridge's BARs.
func (h *HostBridge) Memory() *physmem.Space { return h.memory }

// EndpointConfig describes an emulated function.
type EndpointConfig struct {
	ID ID
	// Class is the 24-bit class code (base, sub, prog-if).
	Class uint32
	// BARSize is the size of the memory BAR0; rounded up to a power of two.
	BARSize uint64
	// Fill seeds every byte of BAR0.
	Fill byte
}

// RegisterEndpoint creates an emulated function at the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, cfg EndpointConfig) (*Endpoint, error) {
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	if device > 0x1f || function > 7 {
		return nil, fmt.Errorf("invalid device/function %02x.%x", device, function)
	}
	if cfg.BARSize == 0 {
		return nil, fmt.Errorf("BAR size must be non-zero")
	}
	size := roundPow2(cfg.BARSize)
	if size < 16 {
		size = 16
	}

	key := deviceKey{bus: bus, dev: device, fn: function}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}

	base, err := h.barAllocator.Allocate(false, size, size)
	if err != nil {
		return nil, err
	}
	mem := make([]byte, size)
	if cfg.Fill != 0 {
		for i := range mem {
			mem[i] = cfg.Fill
		}
	}
	if err := h.memory.Add(key.String()+" BAR0", base, mem); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		key:     key,
		id:      cfg.ID,
		class:   cfg.Class,
		barBase: base,
		barSize: size,
		mem:     mem,
	}
	ep.resetConfig()
	h.devices[key] = ep
	return ep, nil
}

// Functions implements Bus.
func (h *HostBridge) Functions() ([]Function, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	eps := make([]*Endpoint, 0, len(h.devices))
	for _, ep := range h.devices {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].key.less(eps[j].key) })

	out := make([]Function, len(eps))
	for i, ep := range eps {
		out[i] = ep
	}
	return out, nil
}

// Endpoint is an emulated PCI function with a single memory BAR.
type Endpoint struct {
	key   deviceKey
	id    ID
	class uint32

	barBase uint64
	barSize uint64
	mem     []byte

	mu     sync.Mutex
	config [configSize]byte
	sizing bool
}

func (e *Endpoint) resetConfig() {
	binary.LittleEndian.PutUint16(e.config[ConfigVendorID:], e.id.Vendor)
	binary.LittleEndian.PutUint16(e.config[ConfigDeviceID:], e.id.Device)
	// revision 0, then class code in the upper 24 bits
	binary.LittleEndian.PutUint32(e.config[ConfigClass:], e.class<<8)
	// 32-bit non-prefetchable memory BAR
	binary.LittleEndian.PutUint32(e.config[ConfigBAR0:], uint32(e.barBase)&^0xf)
}

// Address implements Function.
func (e *Endpoint) Address() string { return e.key.String() }

// ID implements Function.
func (e *Endpoint) ID() ID { return e.id }

// Bytes exposes the memory behind BAR0.
func (e *Endpoint) Bytes() []byte { return e.mem }

// Enable implements Function by turning on memory space decoding.
func (e *Endpoint) Enable() error {
	return updateCommand(e, CommandMemorySpace, 0)
}

// Disable implements Function.
func (e *Endpoint) Disable() error {
	return updateCommand(e, 0, CommandMemorySpace|CommandBusMaster)
}

// SetMaster implements Function.
func (e *Endpoint) SetMaster(enable bool) error {
	if enable {
		return updateCommand(e, CommandBusMaster, 0)
	}
	return updateCommand(e, 0, CommandBusMaster)
}

// Enabled reports whether memory space decoding is on.
func (e *Endpoint) Enabled() bool { return e.command()&CommandMemorySpace != 0 }

// Master reports whether bus mastering is on.
func (e *Endpoint) Master() bool { return e.command()&CommandBusMaster != 0 }

func (e *Endpoint) command() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return binary.LittleEndian.Uint16(e.config[ConfigCommand:])
}

// Resource implements Function.
func (e *Endpoint) Resource(bar int) (Resource, error) {
	if bar != 0 {
		return Resource{}, fmt.Errorf("%w: %s BAR%d", ErrNoResource, e.key, bar)
	}
	return Resource{Start: e.barBase, Length: e.barSize, Flags: ResourceMemory}, nil
}

// ConfigSpace returns the function's configuration space.
func (e *Endpoint) ConfigSpace() ConfigSpace { return e }

// ReadConfig implements ConfigSpace.
func (e *Endpoint) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("invalid config access size %d", size)
	}
	if int(offset)+int(size) > configSize {
		return 0xffff_ffff, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sizing && offset == ConfigBAR0 && size == 4 {
		return uint32(^(e.barSize - 1)) &^ 0xf, nil
	}
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(e.config[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace. Only the command register and BAR0
// sizing probes are writable.
func (e *Endpoint) WriteConfig(offset uint16, size uint8, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case offset == ConfigCommand && (size == 2 || size == 4):
		mask := uint16(CommandIOSpace | CommandMemorySpace | CommandBusMaster | 1<<10)
		binary.LittleEndian.PutUint16(e.config[ConfigCommand:], uint16(value)&mask)
	case offset == ConfigBAR0 && size == 4:
		// BARs are fixed at registration; a write of all ones starts a size probe
		e.sizing = value == 0xffff_ffff
	case offset >= ConfigBAR0+type0BARStride && offset < ConfigBAR0+NumBARs*type0BARStride:
		// unimplemented BARs ignore writes
	}
	return nil
}

func roundPow2(v uint64) uint64 {
	p := uint64(1)
	for p < v && p != 0 {
		p <<= 1
	}
	return p
}

var (
	_ Bus         = (*HostBridge)(nil)
	_ Function    = (*Endpoint)(nil)
	_ ConfigSpace = (*Endpoint)(nil)
)
