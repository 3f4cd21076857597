package pci

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pcidemo/internal/physmem"
)

func TestResourceTreeExclusive(t *testing.T) {
	tree := NewResourceTree()
	if err := tree.Request("pci-demo0", 0x2000_0000, 0x1000); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := tree.Request("other", 0x2000_0800, 0x1000); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping Request error = %v, want ErrBusy", err)
	}
	if owner, ok := tree.Owner(0x2000_0fff); !ok || owner != "pci-demo0" {
		t.Fatalf("Owner = %q, %v", owner, ok)
	}
	if err := tree.Release(0x2000_0000, 0x1000); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := tree.Request("other", 0x2000_0800, 0x1000); err != nil {
		t.Fatalf("Request after Release: %v", err)
	}
	if err := tree.Release(0x2000_0000, 0x1000); err == nil {
		t.Fatalf("release of unclaimed region succeeded")
	}
}

func TestHostBridgeRegisterEndpoint(t *testing.T) {
	mem := physmem.NewSpace()
	host := NewHostBridge(HostBridgeConfig{Memory: mem})

	ep, err := host.RegisterEndpoint(0, 3, 0, EndpointConfig{ID: DemoID, BARSize: 3000, Fill: 0x5a})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	res, err := ep.Resource(0)
	if err != nil {
		t.Fatalf("Resource: %v", err)
	}
	if res.Length != 4096 {
		t.Fatalf("BAR length = %d, want 4096", res.Length)
	}
	if res.Start%4096 != 0 {
		t.Fatalf("BAR start 0x%x not naturally aligned", res.Start)
	}

	b, err := mem.Slice(res.Start, res.Length)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for i, v := range b {
		if v != 0x5a {
			t.Fatalf("byte %d = %#x, want 0x5a", i, v)
		}
	}

	if _, err := ep.Resource(1); !errors.Is(err, ErrNoResource) {
		t.Fatalf("Resource(1) error = %v", err)
	}
	if _, err := host.RegisterEndpoint(0, 3, 0, EndpointConfig{ID: DemoID, BARSize: 16}); err == nil {
		t.Fatalf("duplicate slot accepted")
	}
	if _, err := host.RegisterEndpoint(1, 0, 0, EndpointConfig{ID: DemoID, BARSize: 16}); err == nil {
		t.Fatalf("bus 1 accepted")
	}
}

func TestEndpointConfigSpace(t *testing.T) {
	host := NewHostBridge(HostBridgeConfig{})
	ep, err := host.RegisterEndpoint(0, 1, 0, EndpointConfig{ID: DemoID, Class: 0xff0000, BARSize: 0x1000})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	vendor, _ := ep.ReadConfig(ConfigVendorID, 2)
	device, _ := ep.ReadConfig(ConfigDeviceID, 2)
	if uint16(vendor) != VendorIDDemo || uint16(device) != DeviceIDDemo {
		t.Fatalf("ID = %04x:%04x", vendor, device)
	}

	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := ep.SetMaster(true); err != nil {
		t.Fatalf("SetMaster: %v", err)
	}
	if !ep.Enabled() || !ep.Master() {
		t.Fatalf("command bits not set: enabled=%v master=%v", ep.Enabled(), ep.Master())
	}
	if err := ep.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if ep.Enabled() || ep.Master() {
		t.Fatalf("Disable left command bits set")
	}

	if err := ep.WriteConfig(ConfigBAR0, 4, 0xffff_ffff); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	mask, _ := ep.ReadConfig(ConfigBAR0, 4)
	if mask != 0xffff_f000 {
		t.Fatalf("BAR size probe = %#x, want 0xfffff000", mask)
	}
}

func TestMatch(t *testing.T) {
	host := NewHostBridge(HostBridgeConfig{})
	if _, err := host.RegisterEndpoint(0, 2, 0, EndpointConfig{ID: ID{0x8086, 0x1234}, BARSize: 16}); err != nil {
		t.Fatal(err)
	}
	if _, err := host.RegisterEndpoint(0, 4, 0, EndpointConfig{ID: DemoID, BARSize: 16}); err != nil {
		t.Fatal(err)
	}
	if _, err := host.RegisterEndpoint(0, 1, 0, EndpointConfig{ID: DemoID, BARSize: 16}); err != nil {
		t.Fatal(err)
	}

	fns, err := Match(host, []ID{DemoID})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(fns) != 2 {
		t.Fatalf("matched %d functions, want 2", len(fns))
	}
	if fns[0].Address() != "0000:00:01.0" || fns[1].Address() != "0000:00:04.0" {
		t.Fatalf("unexpected order: %s, %s", fns[0].Address(), fns[1].Address())
	}
}

func writeSysfsDevice(t *testing.T, root, addr string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, "bus", "pci", "devices", addr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestSysfsBus(t *testing.T) {
	root := t.TempDir()
	config := make([]byte, 64)
	config[ConfigCommand] = CommandMemorySpace
	dir := writeSysfsDevice(t, root, "0000:00:03.0", map[string]string{
		"vendor": "0x1234\n",
		"device": "0x4567\n",
		"enable": "0\n",
		"config": string(config),
		"resource": "0x00000000fe000000 0x00000000fe000fff 0x0000000000040200\n" +
			"0x0000000000000000 0x0000000000000000 0x0000000000000000\n" +
			"0x00000000c0000000 0x00000000c00fffff 0x000000000014220c\n",
	})
	writeSysfsDevice(t, root, "0000:00:01.0", map[string]string{
		"vendor": "0x8086\n",
		"device": "0x1237\n",
	})

	bus := SysfsBus{Root: root}
	fns, err := Match(bus, []ID{DemoID})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("matched %d functions, want 1", len(fns))
	}
	fn := fns[0]
	if fn.Address() != "0000:00:03.0" {
		t.Fatalf("Address = %q", fn.Address())
	}

	res, err := fn.Resource(0)
	if err != nil {
		t.Fatalf("Resource(0): %v", err)
	}
	if res.Start != 0xfe000000 || res.Length != 0x1000 || res.Flags != ResourceMemory {
		t.Fatalf("Resource(0) = %+v", res)
	}
	if _, err := fn.Resource(1); !errors.Is(err, ErrNoResource) {
		t.Fatalf("Resource(1) error = %v", err)
	}
	res, err = fn.Resource(2)
	if err != nil {
		t.Fatalf("Resource(2): %v", err)
	}
	if res.Flags != ResourceMemory|ResourcePrefetch|Resource64 {
		t.Fatalf("Resource(2) flags = %b", res.Flags)
	}

	if err := fn.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "enable")); string(got) != "1" {
		t.Fatalf("enable = %q", got)
	}
	if err := fn.SetMaster(true); err != nil {
		t.Fatalf("SetMaster: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config"))
	if got[ConfigCommand] != CommandMemorySpace|CommandBusMaster {
		t.Fatalf("command = %#x", got[ConfigCommand])
	}
	if err := fn.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got, _ := os.ReadFile(filepath.Join(dir, "enable")); string(got) != "0" {
		t.Fatalf("enable after Disable = %q", got)
	}
}
