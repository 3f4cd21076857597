package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/tinyrange/pcidemo/internal/chardev"
	"github.com/tinyrange/pcidemo/internal/config"
	"github.com/tinyrange/pcidemo/internal/dma"
	"github.com/tinyrange/pcidemo/internal/driver"
	"github.com/tinyrange/pcidemo/internal/mmio"
	"github.com/tinyrange/pcidemo/internal/pci"
	"github.com/tinyrange/pcidemo/internal/physmem"
)

const (
	// Coherent window of the emulated host, above the PCI MMIO window.
	simCoherentBase = 0x4000_0000
	simCoherentSize = 64 << 20

	// First slot used for emulated endpoints.
	simFirstSlot = 3

	detachTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pcidemo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path and exit")
	simulate := flag.Bool("simulate", false, "Attach to an emulated host instead of sysfs")
	length := flag.Int("length", 4096, "Bytes per read (clamped to the region and buffer size)")
	count := flag.Int("count", 1, "Number of reads")
	output := flag.String("o", "-", "Output file (- for stdout)")
	readRate := flag.Float64("rate", 0, "Reads per second (0 for unlimited)")
	force := flag.Bool("force", false, "Write binary output to a terminal")
	message := flag.String("message", "", "Write this message to the endpoint before reading")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach the PCI demo driver and dump the device region.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -simulate -length 10000 | xxd | head\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config pcidemo.yaml -count 100 -rate 10 -o dump.bin\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *length < 0 || *count < 0 {
		return fmt.Errorf("-length and -count must not be negative")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *writeConfig != "" {
		if err := config.Save(*writeConfig, cfg); err != nil {
			return err
		}
		slog.Info("configuration written", "path", *writeConfig)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		be  driver.Backends
		bus pci.Bus
		err error
	)
	if *simulate {
		be, bus, err = simulatedBackends(cfg)
	} else {
		be, bus = hostBackends(cfg)
	}
	if err != nil {
		return err
	}

	drv, err := driver.New(cfg.DriverConfig(), be, driver.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() {
		// ctx may already be cancelled by a signal; detach on a fresh deadline
		dctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := drv.Close(dctx); err != nil {
			slog.Error("detach", "error", err)
		}
	}()

	devs, err := drv.Probe(ctx, bus)
	if len(devs) == 0 {
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		return fmt.Errorf("no matching PCI function found")
	}
	if err != nil {
		slog.Warn("some functions failed to attach", "error", err)
	}
	dev := devs[0]

	h, err := be.Endpoints.Open(dev.Name())
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}
	defer h.Close()

	if *message != "" {
		if _, err := h.WriteContext(ctx, []byte(*message)); err != nil {
			return fmt.Errorf("write endpoint: %w", err)
		}
	}
	if *count == 0 || *length == 0 {
		return nil
	}

	out, closeOut, err := openOutput(*output, *force)
	if err != nil {
		return err
	}

	copied, err := dump(ctx, h, out, *length, *count, *readRate)
	if cerr := closeOut(); cerr != nil && err == nil {
		err = cerr
	}
	stats := dev.Stats()
	slog.Info("dump finished",
		"device", dev.Name(),
		"bytes", copied,
		"dma_reads", stats.DMAReads,
		"direct_reads", stats.DirectReads,
		"timeouts", stats.Timeouts,
	)
	return err
}

func simulatedBackends(cfg config.Config) (driver.Backends, pci.Bus, error) {
	log := slog.Default()
	space := physmem.NewSpace()
	host := pci.NewHostBridge(pci.HostBridgeConfig{Memory: space})

	for i, id := range cfg.Devices {
		slot := simFirstSlot + i
		if slot > 0x1f {
			return driver.Backends{}, nil, fmt.Errorf("too many simulated devices (%d)", len(cfg.Devices))
		}
		if _, err := host.RegisterEndpoint(0, uint8(slot), 0, pci.EndpointConfig{
			ID:      pci.ID{Vendor: id.Vendor, Device: id.Device},
			Class:   0xff0000,
			BARSize: cfg.Simulate.RegionSize,
			Fill:    cfg.Simulate.Pattern,
		}); err != nil {
			return driver.Backends{}, nil, fmt.Errorf("register simulated endpoint: %w", err)
		}
	}

	tree := pci.NewResourceTree()
	engine := dma.NewSoftEngine(space,
		dma.WithChannels(cfg.Simulate.Channels),
		dma.WithLatency(cfg.Simulate.Latency),
		dma.WithLogger(log),
	)
	return driver.Backends{
		Mapper:    mmio.NewPhysMapper(space, tree, log),
		Endpoints: chardev.NewRegistry(),
		Engine:    engine,
		Allocator: dma.NewSpaceAllocator(space, simCoherentBase, simCoherentSize),
	}, host, nil
}

// hostBackends drives real hardware. There is no userspace memcpy engine,
// so reads use direct copies from the /dev/mem mapping.
func hostBackends(cfg config.Config) (driver.Backends, pci.Bus) {
	return driver.Backends{
		Mapper:    mmio.NewDevMemMapper(pci.NewResourceTree(), slog.Default()),
		Endpoints: chardev.NewRegistry(),
		Allocator: dma.LockedAllocator{},
	}, pci.SysfsBus{Root: cfg.SysfsRoot}
}

func openOutput(path string, force bool) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		if !force && term.IsTerminal(int(os.Stdout.Fd())) {
			return nil, nil, fmt.Errorf("refusing to write binary data to a terminal (use -o or -force)")
		}
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

func dump(ctx context.Context, h *chardev.Handle, out io.Writer, length, count int, perSecond float64) (int64, error) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	w := out
	if count > 1 {
		bar := progressbar.DefaultBytes(int64(length)*int64(count), "reading "+h.Name())
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}

	buf := make([]byte, length)
	var total int64
	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return total, err
		}
		n, err := h.ReadContext(ctx, buf)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("interrupted", "reads", i)
			}
			return total, fmt.Errorf("read %d: %w", i, err)
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return total, fmt.Errorf("write output: %w", err)
		}
		total += int64(n)
	}
	return total, nil
}
