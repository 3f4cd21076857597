package dma

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/pcidemo/internal/physmem"
)

const defaultSoftChannels = 1

// SoftOption configures a SoftEngine.
type SoftOption func(*SoftEngine)

// WithChannels sets how many channels can be held at once.
func WithChannels(n int) SoftOption {
	return func(e *SoftEngine) { e.nchan = n }
}

// WithLatency delays every copy, which makes the submit/complete split
// observable in tests.
func WithLatency(d time.Duration) SoftOption {
	return func(e *SoftEngine) { e.latency = d }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) SoftOption {
	return func(e *SoftEngine) { e.log = log }
}

// SoftEngine is a memcpy engine that moves bytes between ranges of a
// physical address space on a worker goroutine per channel. Bus addresses
// are identical to physical addresses.
type SoftEngine struct {
	mem     physmem.Memory
	nchan   int
	latency time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	inUse    map[int]*softChannel
	mappings map[uint64]Mapping
}

// NewSoftEngine returns an engine copying within mem.
func NewSoftEngine(mem physmem.Memory, opts ...SoftOption) *SoftEngine {
	e := &SoftEngine{
		mem:      mem,
		nchan:    defaultSoftChannels,
		inUse:    make(map[int]*softChannel),
		mappings: make(map[uint64]Mapping),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// AcquireChannel implements Engine.
func (e *SoftEngine) AcquireChannel(caps Capability) (Channel, error) {
	if caps&^(CapMemcpy|CapInterrupt) != 0 {
		return nil, fmt.Errorf("%w: capability %s unsupported", ErrNoChannel, caps)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id := 0; id < e.nchan; id++ {
		if _, busy := e.inUse[id]; busy {
			continue
		}
		c := newSoftChannel(e, id)
		e.inUse[id] = c
		e.log.Debug("dma: channel acquired", "channel", id, "caps", caps.String())
		return c, nil
	}
	return nil, fmt.Errorf("%w: all %d channels in use", ErrNoChannel, e.nchan)
}

// InUse returns how many channels are currently held.
func (e *SoftEngine) InUse() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inUse)
}

// MapSingle implements Engine. The range must be backed by the engine's memory.
func (e *SoftEngine) MapSingle(addr, length uint64, dir Direction) (Mapping, error) {
	if _, err := e.mem.Slice(addr, length); err != nil {
		return Mapping{}, fmt.Errorf("dma: map 0x%x+0x%x: %w", addr, length, err)
	}
	m := Mapping{Addr: addr, BusAddr: addr, Length: length, Direction: dir}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.mappings[m.BusAddr]; exists {
		return Mapping{}, fmt.Errorf("dma: 0x%x already mapped", addr)
	}
	e.mappings[m.BusAddr] = m
	return m, nil
}

// UnmapSingle implements Engine.
func (e *SoftEngine) UnmapSingle(m Mapping) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mappings[m.BusAddr]; !ok {
		return fmt.Errorf("%w: bus 0x%x", ErrNotMapped, m.BusAddr)
	}
	delete(e.mappings, m.BusAddr)
	return nil
}

// Mappings returns the number of live streaming mappings.
func (e *SoftEngine) Mappings() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.mappings)
}

func (e *SoftEngine) release(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inUse, id)
	e.log.Debug("dma: channel released", "channel", id)
}

type softTx struct {
	cookie Cookie
	desc   Descriptor
	src    []byte
	dst    []byte
}

func (tx *softTx) complete(err error) {
	if tx.desc.Callback != nil {
		tx.desc.Callback(Result{Cookie: tx.cookie, Err: err})
	}
}

type softChannel struct {
	eng *SoftEngine
	id  int

	mu         sync.Mutex
	pending    []*softTx
	queue      []*softTx
	abort      chan struct{}
	lastCookie Cookie
	released   bool

	// busy is held by the worker for the duration of one transfer.
	busy sync.Mutex

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newSoftChannel(e *SoftEngine, id int) *softChannel {
	c := &softChannel{
		eng:   e,
		id:    id,
		abort: make(chan struct{}),
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *softChannel) ID() int { return c.id }

func (c *softChannel) Submit(d Descriptor) (Cookie, error) {
	if d.Length == 0 {
		return 0, fmt.Errorf("%w: zero-length descriptor", ErrSubmitFailed)
	}
	src, err := c.eng.mem.Slice(d.Src, d.Length)
	if err != nil {
		return 0, fmt.Errorf("%w: source: %w", ErrSubmitFailed, err)
	}
	dst, err := c.eng.mem.Slice(d.Dst, d.Length)
	if err != nil {
		return 0, fmt.Errorf("%w: destination: %w", ErrSubmitFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, fmt.Errorf("%w: %w", ErrSubmitFailed, ErrReleased)
	}
	c.lastCookie++
	if c.lastCookie <= 0 {
		c.lastCookie = 1
	}
	c.pending = append(c.pending, &softTx{cookie: c.lastCookie, desc: d, src: src, dst: dst})
	return c.lastCookie, nil
}

func (c *softChannel) IssuePending() {
	c.mu.Lock()
	c.queue = append(c.queue, c.pending...)
	c.pending = nil
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *softChannel) Terminate() {
	c.mu.Lock()
	aborted := append(c.pending, c.queue...)
	c.pending = nil
	c.queue = nil
	close(c.abort)
	c.abort = make(chan struct{})
	c.mu.Unlock()

	// wait out a transfer the worker already picked up
	c.busy.Lock()
	c.busy.Unlock()

	for _, tx := range aborted {
		tx.complete(ErrAborted)
	}
	if len(aborted) > 0 {
		c.eng.log.Debug("dma: terminated channel", "channel", c.id, "aborted", len(aborted))
	}
}

func (c *softChannel) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return ErrReleased
	}
	c.released = true
	c.mu.Unlock()

	c.Terminate()
	close(c.stop)
	<-c.done
	c.eng.release(c.id)
	return nil
}

func (c *softChannel) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}
		for c.step() {
		}
	}
}

// step runs one queued transfer and reports whether there was one.
func (c *softChannel) step() bool {
	c.busy.Lock()
	defer c.busy.Unlock()

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	tx := c.queue[0]
	c.queue = c.queue[1:]
	abort := c.abort
	c.mu.Unlock()

	if c.eng.latency > 0 {
		timer := time.NewTimer(c.eng.latency)
		select {
		case <-timer.C:
		case <-abort:
			timer.Stop()
			tx.complete(ErrAborted)
			return true
		}
	}
	copy(tx.dst, tx.src)
	tx.complete(nil)
	return true
}

var (
	_ Engine  = (*SoftEngine)(nil)
	_ Channel = (*softChannel)(nil)
)
