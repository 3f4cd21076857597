// Package config loads the pcidemo YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pcidemo/internal/driver"
	"github.com/tinyrange/pcidemo/internal/pci"
)

const (
	DMAAuto = "auto"
	DMAOff  = "off"

	DefaultSysfsRoot  = "/sys"
	DefaultRegionSize = 4096
	DefaultPattern    = 0x5a
	DefaultChannels   = 1
)

// Config is the on-disk configuration.
type Config struct {
	Name            string        `yaml:"name"`
	Devices         []DeviceID    `yaml:"devices"`
	BAR             int           `yaml:"bar"`
	BufferSize      int           `yaml:"bufferSize"`
	TransferTimeout time.Duration `yaml:"transferTimeout"`
	DMA             string        `yaml:"dma"`
	SysfsRoot       string        `yaml:"sysfsRoot"`

	Simulate SimulateConfig `yaml:"simulate"`
}

// DeviceID is one entry of the match table.
type DeviceID struct {
	Vendor uint16 `yaml:"vendor"`
	Device uint16 `yaml:"device"`
}

// SimulateConfig describes the emulated host used instead of sysfs.
type SimulateConfig struct {
	RegionSize uint64        `yaml:"regionSize"`
	Pattern    uint8         `yaml:"pattern"`
	Channels   int           `yaml:"channels"`
	Latency    time.Duration `yaml:"latency,omitempty"`
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = driver.DefaultName
	}
	if len(c.Devices) == 0 {
		c.Devices = []DeviceID{{Vendor: pci.VendorIDDemo, Device: pci.DeviceIDDemo}}
	}
	if c.BufferSize == 0 {
		c.BufferSize = driver.DefaultBufferSize
	}
	if c.TransferTimeout == 0 {
		c.TransferTimeout = driver.DefaultTransferTimeout
	}
	if c.DMA == "" {
		c.DMA = DMAAuto
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.Simulate.RegionSize == 0 {
		c.Simulate.RegionSize = DefaultRegionSize
	}
	if c.Simulate.Pattern == 0 {
		c.Simulate.Pattern = DefaultPattern
	}
	if c.Simulate.Channels == 0 {
		c.Simulate.Channels = DefaultChannels
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads and normalizes the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path as YAML.
func Save(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the driver cannot run with.
func (c Config) Validate() error {
	if c.BAR < 0 || c.BAR >= pci.NumBARs {
		return fmt.Errorf("bar %d out of range [0,%d)", c.BAR, pci.NumBARs)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("bufferSize must be positive (got %d)", c.BufferSize)
	}
	if c.TransferTimeout < 0 {
		return fmt.Errorf("transferTimeout must be positive (got %s)", c.TransferTimeout)
	}
	switch c.DMA {
	case DMAAuto, DMAOff:
	default:
		return fmt.Errorf("dma must be %q or %q (got %q)", DMAAuto, DMAOff, c.DMA)
	}
	for i, d := range c.Devices {
		if d.Vendor == 0 || d.Vendor == 0xffff {
			return fmt.Errorf("devices[%d]: invalid vendor 0x%04x", i, d.Vendor)
		}
	}
	if c.Simulate.Channels < 0 {
		return fmt.Errorf("simulate.channels must not be negative (got %d)", c.Simulate.Channels)
	}
	if c.Simulate.Latency < 0 {
		return fmt.Errorf("simulate.latency must not be negative (got %s)", c.Simulate.Latency)
	}
	return nil
}

// DriverConfig converts c into the driver's configuration.
func (c Config) DriverConfig() driver.Config {
	ids := make([]pci.ID, len(c.Devices))
	for i, d := range c.Devices {
		ids[i] = pci.ID{Vendor: d.Vendor, Device: d.Device}
	}
	return driver.Config{
		Name:            c.Name,
		IDs:             ids,
		BAR:             c.BAR,
		BufferSize:      c.BufferSize,
		TransferTimeout: c.TransferTimeout,
		DisableDMA:      c.DMA == DMAOff,
	}
}
