package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/pcidemo/internal/chardev"
	"github.com/tinyrange/pcidemo/internal/dma"
	"github.com/tinyrange/pcidemo/internal/mmio"
	"github.com/tinyrange/pcidemo/internal/pci"
	"github.com/tinyrange/pcidemo/internal/physmem"
)

const (
	coherentBase = 0x4000_0000
	coherentSize = 64 << 20
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingFunction wraps an emulated endpoint and counts bus calls.
type countingFunction struct {
	pci.Function

	enableErr error
	masterErr error

	enables  atomic.Int32
	disables atomic.Int32
	masters  atomic.Int32
}

func (f *countingFunction) Enable() error {
	f.enables.Add(1)
	if f.enableErr != nil {
		return f.enableErr
	}
	return f.Function.Enable()
}

func (f *countingFunction) Disable() error {
	f.disables.Add(1)
	return f.Function.Disable()
}

func (f *countingFunction) SetMaster(enable bool) error {
	f.masters.Add(1)
	if enable && f.masterErr != nil {
		return f.masterErr
	}
	return f.Function.SetMaster(enable)
}

type countingMapper struct {
	mmio.Mapper

	mapErr error

	maps   atomic.Int32
	unmaps atomic.Int32
}

func (m *countingMapper) Map(owner string, start, length uint64) (*mmio.Region, error) {
	m.maps.Add(1)
	if m.mapErr != nil {
		return nil, m.mapErr
	}
	return m.Mapper.Map(owner, start, length)
}

func (m *countingMapper) Unmap(r *mmio.Region) error {
	m.unmaps.Add(1)
	return m.Mapper.Unmap(r)
}

type countingEngine struct {
	*dma.SoftEngine

	acquireErr error

	acquires    atomic.Int32
	releases    atomic.Int32
	submits     atomic.Int32
	outstanding atomic.Int32
	maxInFlight atomic.Int32

	mu      sync.Mutex
	cookies []dma.Cookie
}

func (e *countingEngine) AcquireChannel(caps dma.Capability) (dma.Channel, error) {
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	ch, err := e.SoftEngine.AcquireChannel(caps)
	if err != nil {
		return nil, err
	}
	e.acquires.Add(1)
	return &countingChannel{Channel: ch, eng: e}, nil
}

func (e *countingEngine) Cookies() []dma.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dma.Cookie(nil), e.cookies...)
}

type countingChannel struct {
	dma.Channel
	eng *countingEngine
}

func (c *countingChannel) Submit(d dma.Descriptor) (dma.Cookie, error) {
	cb := d.Callback
	d.Callback = func(r dma.Result) {
		c.eng.outstanding.Add(-1)
		if cb != nil {
			cb(r)
		}
	}
	n := c.eng.outstanding.Add(1)
	for {
		peak := c.eng.maxInFlight.Load()
		if n <= peak || c.eng.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	cookie, err := c.Channel.Submit(d)
	if err != nil {
		c.eng.outstanding.Add(-1)
		return 0, err
	}
	c.eng.submits.Add(1)
	c.eng.mu.Lock()
	c.eng.cookies = append(c.eng.cookies, cookie)
	c.eng.mu.Unlock()
	return cookie, nil
}

func (c *countingChannel) Release() error {
	c.eng.releases.Add(1)
	return c.Channel.Release()
}

type countingAllocator struct {
	*dma.SpaceAllocator

	allocErr error

	allocs atomic.Int32
	frees  atomic.Int32
}

func (a *countingAllocator) AllocCoherent(size int) (dma.Buffer, error) {
	if a.allocErr != nil {
		return nil, a.allocErr
	}
	b, err := a.SpaceAllocator.AllocCoherent(size)
	if err != nil {
		return nil, err
	}
	a.allocs.Add(1)
	return &countingBuffer{Buffer: b, alloc: a}, nil
}

type countingBuffer struct {
	dma.Buffer
	alloc *countingAllocator
}

func (b *countingBuffer) Close() error {
	b.alloc.frees.Add(1)
	return b.Buffer.Close()
}

type harness struct {
	space    *physmem.Space
	host     *pci.HostBridge
	ep       *pci.Endpoint
	fn       *countingFunction
	tree     *pci.ResourceTree
	mapper   *countingMapper
	engine   *countingEngine
	alloc    *countingAllocator
	registry *chardev.Registry
}

func newHarness(t *testing.T, regionSize uint64, fill byte, opts ...dma.SoftOption) *harness {
	t.Helper()
	space := physmem.NewSpace()
	host := pci.NewHostBridge(pci.HostBridgeConfig{Memory: space})
	ep, err := host.RegisterEndpoint(0, 3, 0, pci.EndpointConfig{ID: pci.DemoID, BARSize: regionSize, Fill: fill})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	tree := pci.NewResourceTree()
	opts = append([]dma.SoftOption{dma.WithLogger(quietLog)}, opts...)
	return &harness{
		space:    space,
		host:     host,
		ep:       ep,
		fn:       &countingFunction{Function: ep},
		tree:     tree,
		mapper:   &countingMapper{Mapper: mmio.NewPhysMapper(space, tree, quietLog)},
		engine:   &countingEngine{SoftEngine: dma.NewSoftEngine(space, opts...)},
		alloc:    &countingAllocator{SpaceAllocator: dma.NewSpaceAllocator(space, coherentBase, coherentSize)},
		registry: chardev.NewRegistry(),
	}
}

func (h *harness) driver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	d, err := New(cfg, Backends{
		Mapper:    h.mapper,
		Endpoints: h.registry,
		Engine:    h.engine,
		Allocator: h.alloc,
	}, WithLogger(quietLog))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func (h *harness) attach(t *testing.T, cfg Config) (*Driver, *Device) {
	t.Helper()
	d := h.driver(t, cfg)
	dev, err := d.Attach(context.Background(), h.fn)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return d, dev
}

func waitForTransfer(t *testing.T, dev *Device, want TransferState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for dev.TransferState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("transfer state stuck at %s, want %s", dev.TransferState(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReadClampsToRegionLength(t *testing.T) {
	for _, disableDMA := range []bool{false, true} {
		t.Run(fmt.Sprintf("dma=%v", !disableDMA), func(t *testing.T) {
			h := newHarness(t, 4096, 0x5a)
			d, dev := h.attach(t, Config{DisableDMA: disableDMA})
			defer d.Close(context.Background())

			if dev.DMAEnabled() == disableDMA {
				t.Fatalf("DMAEnabled = %v", dev.DMAEnabled())
			}

			buf := make([]byte, 10000)
			n, err := dev.Read(context.Background(), buf)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if n != 4096 {
				t.Fatalf("Read returned %d bytes, want 4096", n)
			}
			if !bytes.Equal(buf[:n], bytes.Repeat([]byte{0x5a}, 4096)) {
				t.Fatalf("unexpected data")
			}
			if buf[4096] != 0 {
				t.Fatalf("read wrote past the clamped length")
			}
		})
	}
}

func TestReadShorterThanRegion(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	for _, n := range []int{1, 100, 4095} {
		buf := make([]byte, n)
		got, err := dev.Read(context.Background(), buf)
		if err != nil {
			t.Fatalf("Read(%d): %v", n, err)
		}
		if got != n {
			t.Fatalf("Read(%d) = %d", n, got)
		}
	}
	if got, err := dev.Read(context.Background(), nil); err != nil || got != 0 {
		t.Fatalf("zero-length Read = %d, %v", got, err)
	}
}

func TestReadClampsToBufferCapacity(t *testing.T) {
	h := newHarness(t, 4096, 0x33)
	d, dev := h.attach(t, Config{BufferSize: 1024})
	defer d.Close(context.Background())

	n, err := dev.Read(context.Background(), make([]byte, 4096))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1024 {
		t.Fatalf("Read = %d, want buffer capacity 1024", n)
	}
}

func TestAttachDetachReleasesEverything(t *testing.T) {
	h := newHarness(t, 4096, 0)
	d, dev := h.attach(t, Config{})

	if dev.State() != StateAttached {
		t.Fatalf("state = %s", dev.State())
	}
	if !h.ep.Enabled() || !h.ep.Master() {
		t.Fatalf("function not enabled as bus master")
	}
	if names := h.registry.Names(); len(names) != 1 || names[0] != "pci-demo0" {
		t.Fatalf("endpoints = %v", names)
	}

	if err := d.Detach(context.Background(), dev); err != nil {
		t.Fatalf("Detach: %v", err)
	}

	if dev.State() != StateUnattached {
		t.Fatalf("state after detach = %s", dev.State())
	}
	if m, u := h.mapper.maps.Load(), h.mapper.unmaps.Load(); m != 1 || u != 1 {
		t.Fatalf("map/unmap = %d/%d", m, u)
	}
	if a, f := h.alloc.allocs.Load(), h.alloc.frees.Load(); a != 1 || f != 1 {
		t.Fatalf("alloc/free = %d/%d", a, f)
	}
	if a, r := h.engine.acquires.Load(), h.engine.releases.Load(); a != 1 || r != 1 {
		t.Fatalf("acquire/release = %d/%d", a, r)
	}
	if e, dis := h.fn.enables.Load(), h.fn.disables.Load(); e != 1 || dis != 1 {
		t.Fatalf("enable/disable = %d/%d", e, dis)
	}
	if h.tree.Len() != 0 {
		t.Fatalf("region reservation leaked")
	}
	if h.engine.InUse() != 0 || h.engine.Mappings() != 0 {
		t.Fatalf("engine leaked: channels=%d mappings=%d", h.engine.InUse(), h.engine.Mappings())
	}
	if h.alloc.Live() != 0 {
		t.Fatalf("coherent buffer leaked")
	}
	if len(h.registry.Names()) != 0 {
		t.Fatalf("endpoint still registered")
	}
	if h.ep.Enabled() || h.ep.Master() {
		t.Fatalf("function left enabled")
	}
	if len(d.Devices()) != 0 {
		t.Fatalf("driver still tracks device")
	}
	if err := d.Detach(context.Background(), dev); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second Detach = %v, want ErrNotReady", err)
	}

	// a stale detach must not free the minor of the device now using it
	next := func(slot uint8) *Device {
		t.Helper()
		ep, err := h.host.RegisterEndpoint(0, slot, 0, pci.EndpointConfig{ID: pci.DemoID, BARSize: 4096})
		if err != nil {
			t.Fatal(err)
		}
		dev, err := d.Attach(context.Background(), ep)
		if err != nil {
			t.Fatalf("Attach slot %d: %v", slot, err)
		}
		return dev
	}
	second := next(4)
	if second.Name() != "pci-demo0" {
		t.Fatalf("minor not reused: %s", second.Name())
	}
	if err := d.Detach(context.Background(), dev); !errors.Is(err, ErrNotReady) {
		t.Fatalf("stale Detach = %v, want ErrNotReady", err)
	}
	if second.State() != StateAttached {
		t.Fatalf("stale Detach touched the live device: %s", second.State())
	}
	third := next(5)
	if third.Name() != "pci-demo1" {
		t.Fatalf("third device = %s, want pci-demo1", third.Name())
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConcurrentDetachTearsDownOnce(t *testing.T) {
	h := newHarness(t, 4096, 0)
	d, dev := h.attach(t, Config{})

	var (
		g  errgroup.Group
		ok atomic.Int32
	)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			err := d.Detach(context.Background(), dev)
			switch {
			case err == nil:
				ok.Add(1)
			case !errors.Is(err, ErrNotReady):
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if n := ok.Load(); n != 1 {
		t.Fatalf("%d detaches succeeded, want 1", n)
	}
	if n := h.fn.disables.Load(); n != 1 {
		t.Fatalf("Disable called %d times, want 1", n)
	}

	again, err := d.Attach(context.Background(), h.fn)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if again.Name() != "pci-demo0" {
		t.Fatalf("reattached as %s", again.Name())
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNoChannelDegradesToDirectCopy(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	h.engine.acquireErr = dma.ErrNoChannel
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	if dev.State() != StateAttached {
		t.Fatalf("state = %s", dev.State())
	}
	if dev.DMAEnabled() {
		t.Fatalf("DMA enabled without a channel")
	}
	if h.ep.Master() {
		t.Fatalf("bus mastering enabled without DMA")
	}
	if h.engine.Mappings() != 0 {
		t.Fatalf("source mapping kept after channel failure")
	}

	buf := make([]byte, 4096)
	n, err := dev.Read(context.Background(), buf)
	if err != nil || n != 4096 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x5a}, 4096)) {
		t.Fatalf("unexpected data")
	}
	if s := dev.Stats(); s.DirectReads != 1 || s.DMAReads != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCoherentAllocFailureDegrades(t *testing.T) {
	h := newHarness(t, 4096, 0x77)
	h.alloc.allocErr = errors.New("out of coherent memory")
	d, dev := h.attach(t, Config{})

	if dev.DMAEnabled() {
		t.Fatalf("DMA enabled without coherent buffer")
	}
	buf := make([]byte, 16)
	if n, err := dev.Read(context.Background(), buf); err != nil || n != 16 || buf[0] != 0x77 {
		t.Fatalf("Read = %d, %v, % x", n, err, buf)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.engine.acquires.Load() != 0 {
		t.Fatalf("channel acquired without coherent buffer")
	}
}

func TestBusMasterFailureDegrades(t *testing.T) {
	h := newHarness(t, 4096, 0x01)
	h.fn.masterErr = errors.New("config write rejected")
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	if dev.DMAEnabled() {
		t.Fatalf("DMA enabled without bus mastering")
	}
	if a, r := h.engine.acquires.Load(), h.engine.releases.Load(); a != r {
		t.Fatalf("channel leaked: acquire=%d release=%d", a, r)
	}
}

func TestMapFailureAbortsAttach(t *testing.T) {
	h := newHarness(t, 4096, 0)
	h.mapper.mapErr = fmt.Errorf("%w: out of address space", mmio.ErrMapFailed)
	d := h.driver(t, Config{})

	dev, err := d.Attach(context.Background(), h.fn)
	if !errors.Is(err, ErrRegionMap) {
		t.Fatalf("Attach = %v, want ErrRegionMap", err)
	}
	if dev != nil {
		t.Fatalf("device returned from failed attach")
	}
	if n := h.fn.disables.Load(); n != 1 {
		t.Fatalf("Disable called %d times, want 1", n)
	}
	if h.ep.Enabled() {
		t.Fatalf("function left enabled")
	}
	if len(h.registry.Names()) != 0 || h.alloc.allocs.Load() != 0 || h.engine.acquires.Load() != 0 {
		t.Fatalf("attach continued past the failed map")
	}
}

func TestBusyRegionAbortsAttach(t *testing.T) {
	h := newHarness(t, 4096, 0)
	res, _ := h.ep.Resource(0)
	if err := h.tree.Request("other-driver", res.Start, res.Length); err != nil {
		t.Fatal(err)
	}
	d := h.driver(t, Config{})

	_, err := d.Attach(context.Background(), h.fn)
	if !errors.Is(err, ErrRegionMap) || !errors.Is(err, mmio.ErrResourceBusy) {
		t.Fatalf("Attach = %v, want ErrRegionMap wrapping ErrResourceBusy", err)
	}
	if n := h.fn.disables.Load(); n != 1 {
		t.Fatalf("Disable called %d times, want 1", n)
	}
	if owner, _ := h.tree.Owner(res.Start); owner != "other-driver" {
		t.Fatalf("existing reservation disturbed: %q", owner)
	}
}

func TestEnableFailureAbortsAttach(t *testing.T) {
	h := newHarness(t, 4096, 0)
	h.fn.enableErr = errors.New("device in D3cold")
	d := h.driver(t, Config{})

	if _, err := d.Attach(context.Background(), h.fn); !errors.Is(err, ErrDeviceEnable) {
		t.Fatalf("Attach = %v, want ErrDeviceEnable", err)
	}
	if h.fn.disables.Load() != 0 || h.mapper.maps.Load() != 0 {
		t.Fatalf("attach continued past the failed enable")
	}
}

func TestRegistrationFailureRollsBack(t *testing.T) {
	h := newHarness(t, 4096, 0)
	if err := h.registry.Register("pci-demo0", &Device{}); err != nil {
		t.Fatal(err)
	}
	d := h.driver(t, Config{})

	if _, err := d.Attach(context.Background(), h.fn); !errors.Is(err, ErrRegistration) {
		t.Fatalf("Attach = %v, want ErrRegistration", err)
	}
	if m, u := h.mapper.maps.Load(), h.mapper.unmaps.Load(); m != 1 || u != 1 {
		t.Fatalf("map/unmap = %d/%d", m, u)
	}
	if h.fn.disables.Load() != 1 {
		t.Fatalf("Disable called %d times", h.fn.disables.Load())
	}
	if h.tree.Len() != 0 {
		t.Fatalf("reservation leaked")
	}
	if h.alloc.allocs.Load() != 0 {
		t.Fatalf("staging buffer allocated before registration succeeded")
	}
	if err := h.registry.Unregister("pci-demo0"); err != nil {
		t.Fatalf("pre-existing endpoint removed by rollback: %v", err)
	}
}

func TestSequentialDMAReadsUseFreshCompletions(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	buf := make([]byte, 64)
	if _, err := dev.Read(context.Background(), buf); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if buf[0] != 0x5a {
		t.Fatalf("first read = %#x", buf[0])
	}

	mem := h.ep.Bytes()
	for i := range mem {
		mem[i] = 0xa5
	}

	if _, err := dev.Read(context.Background(), buf); err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xa5}, 64)) {
		t.Fatalf("second read returned stale data: % x", buf[:8])
	}

	cookies := h.engine.Cookies()
	if len(cookies) != 2 || cookies[0] == cookies[1] {
		t.Fatalf("cookies = %v, want two distinct submissions", cookies)
	}
	if s := dev.Stats(); s.DMAReads != 2 {
		t.Fatalf("DMAReads = %d", s.DMAReads)
	}
	if dev.TransferState() != TransferIdle {
		t.Fatalf("transfer state = %s", dev.TransferState())
	}
}

func TestReadBeforeAttach(t *testing.T) {
	var dev Device
	if _, err := dev.Read(context.Background(), make([]byte, 16)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Read on zero Device = %v, want ErrNotReady", err)
	}
	if _, err := dev.Write(context.Background(), []byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Write on zero Device = %v, want ErrNotReady", err)
	}

	h := newHarness(t, 4096, 0)
	d, attached := h.attach(t, Config{})
	if err := d.Detach(context.Background(), attached); err != nil {
		t.Fatal(err)
	}
	maps, submits := h.mapper.maps.Load(), h.engine.submits.Load()
	if _, err := attached.Read(context.Background(), make([]byte, 16)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Read after detach = %v, want ErrNotReady", err)
	}
	if h.mapper.maps.Load() != maps || h.engine.submits.Load() != submits {
		t.Fatalf("read on detached device touched collaborators")
	}
}

func TestTransferTimeout(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(time.Hour))
	d, dev := h.attach(t, Config{TransferTimeout: 20 * time.Millisecond})

	_, err := dev.Read(context.Background(), make([]byte, 16))
	if !errors.Is(err, ErrTransferTimeout) {
		t.Fatalf("Read = %v, want ErrTransferTimeout", err)
	}
	if dev.TransferState() != TransferIdle {
		t.Fatalf("transfer state after timeout = %s", dev.TransferState())
	}
	if s := dev.Stats(); s.Timeouts != 1 {
		t.Fatalf("Timeouts = %d", s.Timeouts)
	}
	if h.engine.outstanding.Load() != 0 {
		t.Fatalf("timed out transfer still outstanding")
	}
	if err := d.Detach(context.Background(), dev); err != nil {
		t.Fatalf("Detach after timeout: %v", err)
	}
}

func TestReadHonoursContext(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(time.Hour))
	d, dev := h.attach(t, Config{TransferTimeout: time.Minute})
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := dev.Read(ctx, make([]byte, 16)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read = %v, want DeadlineExceeded", err)
	}
	if dev.TransferState() != TransferIdle {
		t.Fatalf("transfer state = %s", dev.TransferState())
	}
}

func TestDetachWaitsForInFlightTransfer(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(50*time.Millisecond))
	d, dev := h.attach(t, Config{})

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 1)
	buf := make([]byte, 4096)
	go func() {
		n, err := dev.Read(context.Background(), buf)
		results <- result{n, err}
	}()
	waitForTransfer(t, dev, TransferSubmitted)

	if err := d.Detach(context.Background(), dev); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	r := <-results
	if r.err != nil || r.n != 4096 {
		t.Fatalf("in-flight Read = %d, %v; detach should have waited", r.n, r.err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x5a}, 4096)) {
		t.Fatalf("in-flight read delivered bad data")
	}
	if h.alloc.Live() != 0 || h.engine.InUse() != 0 {
		t.Fatalf("resources leaked")
	}
}

func TestDetachCancelsInFlightTransferOnDeadline(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(time.Hour))
	d, dev := h.attach(t, Config{TransferTimeout: time.Hour})

	errs := make(chan error, 1)
	go func() {
		_, err := dev.Read(context.Background(), make([]byte, 16))
		errs <- err
	}()
	waitForTransfer(t, dev, TransferSubmitted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Detach(ctx, dev); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	err := <-errs
	if !errors.Is(err, ErrTransferFault) || !errors.Is(err, dma.ErrAborted) {
		t.Fatalf("cancelled Read = %v, want ErrTransferFault wrapping ErrAborted", err)
	}
	if a, r := h.engine.acquires.Load(), h.engine.releases.Load(); a != 1 || r != 1 {
		t.Fatalf("acquire/release = %d/%d", a, r)
	}
}

func TestTransferSubmittedAfterDetachCancelAborts(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(time.Hour))
	d, dev := h.attach(t, Config{TransferTimeout: time.Hour})
	defer d.Close(context.Background())

	// detach has already given up waiting and terminated the channel
	dev.mu.Lock()
	dev.cancelled = true
	dev.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := dev.Read(ctx, make([]byte, 16))
	if !errors.Is(err, ErrTransferFault) || !errors.Is(err, dma.ErrAborted) {
		t.Fatalf("Read = %v, want ErrTransferFault wrapping ErrAborted", err)
	}
	if dev.TransferState() != TransferIdle {
		t.Fatalf("transfer state = %s", dev.TransferState())
	}
}

func TestConcurrentReadersQueue(t *testing.T) {
	h := newHarness(t, 4096, 0x5a, dma.WithLatency(time.Millisecond))
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			buf := make([]byte, 4096)
			n, err := dev.Read(context.Background(), buf)
			if err != nil {
				return err
			}
			if n != 4096 || !bytes.Equal(buf, bytes.Repeat([]byte{0x5a}, 4096)) {
				return fmt.Errorf("bad read: n=%d", n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent reads: %v", err)
	}
	if peak := h.engine.maxInFlight.Load(); peak != 1 {
		t.Fatalf("max transfers in flight = %d, want 1", peak)
	}
	if n := h.engine.submits.Load(); n != 8 {
		t.Fatalf("submits = %d", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("destination not accessible") }

func TestDeliveryFaultKeepsDeviceUsable(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	if _, err := dev.ReadTo(context.Background(), failingWriter{}, 128); !errors.Is(err, ErrTransferFault) {
		t.Fatalf("ReadTo = %v, want ErrTransferFault", err)
	}
	if dev.TransferState() != TransferIdle {
		t.Fatalf("transfer state = %s", dev.TransferState())
	}
	var out bytes.Buffer
	if n, err := dev.ReadTo(context.Background(), &out, 128); err != nil || n != 128 || out.Len() != 128 {
		t.Fatalf("ReadTo after fault = %d, %v", n, err)
	}
	if s := dev.Stats(); s.Faults != 1 || s.Bytes != 128 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestWriteAccepted(t *testing.T) {
	h := newHarness(t, 4096, 0)
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	n, err := dev.Write(context.Background(), []byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if dev.Stats().Writes != 1 {
		t.Fatalf("Writes = %d", dev.Stats().Writes)
	}
}

func TestEndpointServesReads(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	d, dev := h.attach(t, Config{})
	defer d.Close(context.Background())

	handle, err := h.registry.Open(dev.Name())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	buf := make([]byte, 8192)
	n, err := handle.Read(buf)
	if err != nil || n != 4096 {
		t.Fatalf("handle Read = %d, %v", n, err)
	}
	if n, err := handle.Write([]byte("ping")); err != nil || n != 4 {
		t.Fatalf("handle Write = %d, %v", n, err)
	}

	if err := d.Detach(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	if _, err := handle.Read(buf); !errors.Is(err, chardev.ErrClosed) {
		t.Fatalf("handle Read after detach = %v", err)
	}
}

func TestProbeAttachesMatchingFunctions(t *testing.T) {
	h := newHarness(t, 4096, 0x5a)
	if _, err := h.host.RegisterEndpoint(0, 5, 0, pci.EndpointConfig{ID: pci.DemoID, BARSize: 8192, Fill: 0x11}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.host.RegisterEndpoint(0, 1, 0, pci.EndpointConfig{ID: pci.ID{Vendor: 0x8086, Device: 0x100e}, BARSize: 4096}); err != nil {
		t.Fatal(err)
	}
	d := h.driver(t, Config{})

	devs, err := d.Probe(context.Background(), h.host)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(devs) != 2 {
		t.Fatalf("attached %d devices, want 2", len(devs))
	}
	if devs[0].Name() != "pci-demo0" || devs[1].Name() != "pci-demo1" {
		t.Fatalf("names = %s, %s", devs[0].Name(), devs[1].Name())
	}
	// one channel on the default engine: the second device runs without DMA
	if !devs[0].DMAEnabled() || devs[1].DMAEnabled() {
		t.Fatalf("dma = %v, %v", devs[0].DMAEnabled(), devs[1].DMAEnabled())
	}

	buf := make([]byte, 10000)
	if n, err := devs[1].Read(context.Background(), buf); err != nil || n != 8192 || buf[0] != 0x11 {
		t.Fatalf("second device Read = %d, %v", n, err)
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(h.registry.Names()) != 0 || h.tree.Len() != 0 || h.alloc.Live() != 0 {
		t.Fatalf("Close leaked resources")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}, Backends{Endpoints: chardev.NewRegistry()}); err == nil {
		t.Fatalf("missing mapper accepted")
	}
	if _, err := New(Config{}, Backends{Mapper: &countingMapper{}}); err == nil {
		t.Fatalf("missing registry accepted")
	}
	d, err := New(Config{}, Backends{Mapper: &countingMapper{}, Endpoints: chardev.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	cfg := d.Config()
	if cfg.Name != DefaultName || cfg.BufferSize != DefaultBufferSize || cfg.TransferTimeout != DefaultTransferTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.IDs) != 1 || cfg.IDs[0] != pci.DemoID {
		t.Fatalf("default ID table = %v", cfg.IDs)
	}
}
