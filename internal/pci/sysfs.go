package pci

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Flag bits of the sysfs resource file (linux/ioport.h).
const (
	ioresourceIO       = 0x00000100
	ioresourceMem      = 0x00000200
	ioresourcePrefetch = 0x00002000
	ioresourceMem64    = 0x00100000
)

// SysfsBus enumerates host PCI functions through /sys/bus/pci.
type SysfsBus struct {
	// Root is the sysfs mount point, "/sys" when empty.
	Root string
}

func (b SysfsBus) devicesDir() string {
	root := b.Root
	if root == "" {
		root = "/sys"
	}
	return filepath.Join(root, "bus", "pci", "devices")
}

// Functions implements Bus.
func (b SysfsBus) Functions() ([]Function, error) {
	dir := b.devicesDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pci: read %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Function
	for _, name := range names {
		path := filepath.Join(dir, name)
		vendor, err := readHexAttr(filepath.Join(path, "vendor"))
		if err != nil {
			return nil, err
		}
		device, err := readHexAttr(filepath.Join(path, "device"))
		if err != nil {
			return nil, err
		}
		out = append(out, &sysfsFunction{
			path: path,
			addr: name,
			id:   ID{Vendor: uint16(vendor), Device: uint16(device)},
		})
	}
	return out, nil
}

type sysfsFunction struct {
	path string
	addr string
	id   ID
}

func (f *sysfsFunction) Address() string { return f.addr }
func (f *sysfsFunction) ID() ID          { return f.id }

func (f *sysfsFunction) Enable() error {
	return writeAttr(filepath.Join(f.path, "enable"), "1")
}

func (f *sysfsFunction) Disable() error {
	return writeAttr(filepath.Join(f.path, "enable"), "0")
}

func (f *sysfsFunction) SetMaster(enable bool) error {
	cfg, err := os.OpenFile(filepath.Join(f.path, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pci: open config of %s: %w", f.addr, err)
	}
	defer cfg.Close()

	cs := fileConfigSpace{f: cfg}
	if enable {
		return updateCommand(cs, CommandBusMaster, 0)
	}
	return updateCommand(cs, 0, CommandBusMaster)
}

func (f *sysfsFunction) Resource(bar int) (Resource, error) {
	if bar < 0 || bar >= NumBARs {
		return Resource{}, fmt.Errorf("%w: %s BAR%d", ErrNoResource, f.addr, bar)
	}
	resources, err := parseResourceFile(filepath.Join(f.path, "resource"))
	if err != nil {
		return Resource{}, err
	}
	if bar >= len(resources) || resources[bar].Length == 0 {
		return Resource{}, fmt.Errorf("%w: %s BAR%d", ErrNoResource, f.addr, bar)
	}
	return resources[bar], nil
}

// parseResourceFile decodes "start end flags" lines; unimplemented BARs are
// all zeroes and decode to a zero Resource.
func parseResourceFile(path string) ([]Resource, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer fh.Close()

	var out []Resource
	scanner := bufio.NewScanner(fh)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("pci: %s:%d: expected 3 fields, got %d", path, line, len(fields))
		}
		var vals [3]uint64
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("pci: %s:%d: %w", path, line, err)
			}
			vals[i] = v
		}
		start, end, flags := vals[0], vals[1], vals[2]
		if start == 0 && end == 0 {
			out = append(out, Resource{})
			continue
		}
		r := Resource{Start: start, Length: end - start + 1}
		if flags&ioresourceIO != 0 {
			r.Flags |= ResourceIO
		}
		if flags&ioresourceMem != 0 {
			r.Flags |= ResourceMemory
		}
		if flags&ioresourcePrefetch != 0 {
			r.Flags |= ResourcePrefetch
		}
		if flags&ioresourceMem64 != 0 {
			r.Flags |= Resource64
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pci: read %s: %w", path, err)
	}
	return out, nil
}

type fileConfigSpace struct {
	f *os.File
}

func (c fileConfigSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	var buf [4]byte
	if _, err := c.f.ReadAt(buf[:size], int64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c fileConfigSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, err := c.f.WriteAt(buf[:size], int64(offset))
	return err
}

func readHexAttr(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pci: read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("pci: parse %s: %w", path, err)
	}
	return v, nil
}

func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return fmt.Errorf("pci: write %s: %w", path, err)
	}
	return nil
}

var (
	_ Bus         = SysfsBus{}
	_ Function    = (*sysfsFunction)(nil)
	_ ConfigSpace = fileConfigSpace{}
)
