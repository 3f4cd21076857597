// Package driver implements the PCI demo function driver: it maps the
// function's memory BAR, exposes it as a byte-stream endpoint and serves
// reads either by direct copy or through a DMA engine.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/pcidemo/internal/chardev"
	"github.com/tinyrange/pcidemo/internal/dma"
	"github.com/tinyrange/pcidemo/internal/mmio"
	"github.com/tinyrange/pcidemo/internal/pci"
)

const (
	DefaultName            = "pci-demo"
	DefaultBufferSize      = 1 << 20
	DefaultTransferTimeout = 5 * time.Second
)

// Config controls matching and per-device behaviour.
type Config struct {
	// Name prefixes endpoint names ("pci-demo0", "pci-demo1", ...).
	Name string
	// IDs is the match table used by Probe.
	IDs []pci.ID
	// BAR is the memory BAR exposed by the endpoint.
	BAR int
	// BufferSize is the staging buffer capacity; reads are clamped to it.
	BufferSize int
	// TransferTimeout bounds the wait for a DMA completion.
	TransferTimeout time.Duration
	// DisableDMA forces direct copies even when an engine is available.
	DisableDMA bool
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if len(c.IDs) == 0 {
		c.IDs = []pci.ID{pci.DemoID}
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
}

// Backends are the collaborators a driver consumes.
type Backends struct {
	Mapper    mmio.Mapper
	Endpoints *chardev.Registry
	// Engine is optional; without it every device uses direct copies.
	Engine dma.Engine
	// Allocator is optional; without it staging buffers come from the heap.
	Allocator dma.Allocator
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// Driver owns every device it attached. Drivers hold no global state, so
// several can run side by side.
type Driver struct {
	cfg Config
	be  Backends
	log *slog.Logger

	mu      sync.Mutex
	devices []*Device
	minors  map[int]bool
}

// New creates a driver.
func New(cfg Config, be Backends, opts ...Option) (*Driver, error) {
	if be.Mapper == nil {
		return nil, fmt.Errorf("driver: mapper is required")
	}
	if be.Endpoints == nil {
		return nil, fmt.Errorf("driver: endpoint registry is required")
	}
	if cfg.BAR < 0 || cfg.BAR >= pci.NumBARs {
		return nil, fmt.Errorf("driver: BAR %d out of range", cfg.BAR)
	}
	cfg.normalize()

	d := &Driver{
		cfg:    cfg,
		be:     be,
		minors: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d, nil
}

// Config returns the normalized configuration.
func (d *Driver) Config() Config { return d.cfg }

// Probe attaches every function on bus matching the driver's ID table.
// Functions that fail to attach are reported in the joined error; the
// devices that did attach are returned either way.
func (d *Driver) Probe(ctx context.Context, bus pci.Bus) ([]*Device, error) {
	fns, err := pci.Match(bus, d.cfg.IDs)
	if err != nil {
		return nil, err
	}
	d.log.Info("probing", "driver", d.cfg.Name, "matches", len(fns))

	var (
		devs []*Device
		errs []error
	)
	for _, fn := range fns {
		dev, err := d.Attach(ctx, fn)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", fn.Address(), err))
			continue
		}
		devs = append(devs, dev)
	}
	return devs, errors.Join(errs...)
}

// Attach brings up fn. On error every resource acquired so far has been
// released and the function is left disabled.
func (d *Driver) Attach(ctx context.Context, fn pci.Function) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	minor := d.allocMinor()
	dev := newDevice(d, fn, minor)
	if err := dev.attach(); err != nil {
		d.freeMinor(minor)
		return nil, err
	}

	d.mu.Lock()
	d.devices = append(d.devices, dev)
	d.mu.Unlock()
	return dev, nil
}

// Detach tears dev down. If ctx ends while a transfer is in flight the
// transfer is cancelled instead of waited for. Only the call that claims
// dev tears it down; a stale or concurrent Detach fails with ErrNotReady.
func (d *Driver) Detach(ctx context.Context, dev *Device) error {
	if dev == nil || dev.drv != d {
		return fmt.Errorf("driver: device not owned by this driver")
	}
	if !d.claim(dev) {
		return fmt.Errorf("%w: %s is not attached", ErrNotReady, dev.Name())
	}
	err := dev.detach(ctx)
	d.freeMinor(dev.minor)
	return err
}

// claim removes dev from the attached set and reports whether it was there.
func (d *Driver) claim(dev *Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.devices {
		if other == dev {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			return true
		}
	}
	return false
}

// Close detaches every device, most recently attached first.
func (d *Driver) Close(ctx context.Context) error {
	devs := d.Devices()
	var errs []error
	for i := len(devs) - 1; i >= 0; i-- {
		if err := d.Detach(ctx, devs[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", devs[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the attached devices in attach order.
func (d *Driver) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Device, len(d.devices))
	copy(out, d.devices)
	return out
}

func (d *Driver) allocMinor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for m := 0; ; m++ {
		if !d.minors[m] {
			d.minors[m] = true
			return m
		}
	}
}

func (d *Driver) freeMinor(m int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.minors, m)
}
