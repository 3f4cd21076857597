package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tinyrange/pcidemo/internal/dma"
)

// Read fills p from the device region and returns the number of bytes
// delivered: min(len(p), region length, staging buffer capacity).
func (dev *Device) Read(ctx context.Context, p []byte) (int, error) {
	return dev.ReadTo(ctx, &sliceWriter{buf: p}, len(p))
}

// ReadTo reads up to n bytes of the device region and writes them to w.
// A failing or short write to w is reported as ErrTransferFault.
func (dev *Device) ReadTo(ctx context.Context, w io.Writer, n int) (int, error) {
	if dev.State() != StateAttached {
		return 0, ErrNotReady
	}
	if n < 0 {
		return 0, fmt.Errorf("driver: negative read length %d", n)
	}

	if err := dev.xfer.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer dev.xfer.Release(1)

	// detach may have started while this caller was queued
	dev.mu.Lock()
	if dev.state != StateAttached {
		dev.mu.Unlock()
		return 0, ErrNotReady
	}
	region, buf, ch, src := dev.region, dev.buf, dev.ch, dev.src
	timeout := dev.drv.cfg.TransferTimeout
	dev.mu.Unlock()

	staging := buf.Bytes()
	length := clamp(n, region.Len(), len(staging))
	if length == 0 {
		return 0, nil
	}

	dev.reads.Add(1)
	if ch != nil {
		dev.dmaReads.Add(1)
		if err := dev.dmaCopy(ctx, ch, src.BusAddr, buf.PhysAddr(), length, timeout); err != nil {
			return 0, err
		}
	} else {
		dev.directReads.Add(1)
		if _, err := region.ReadAt(staging[:length], 0); err != nil {
			dev.faults.Add(1)
			return 0, fmt.Errorf("%w: %w", ErrTransferFault, err)
		}
	}

	written, err := w.Write(staging[:length])
	if err == nil && written != length {
		err = io.ErrShortWrite
	}
	if err != nil {
		dev.faults.Add(1)
		return written, fmt.Errorf("%w: deliver %d bytes: %w", ErrTransferFault, length, err)
	}
	dev.bytes.Add(uint64(length))
	return length, nil
}

// dmaCopy moves length bytes from the device into the staging buffer and
// blocks until the engine signals completion, the timeout expires or ctx
// ends. Every call uses its own completion token.
func (dev *Device) dmaCopy(ctx context.Context, ch dma.Channel, src, dst uint64, length int, timeout time.Duration) error {
	done := dma.NewCompletion()
	cookie, err := ch.Submit(dma.Descriptor{
		Src:      src,
		Dst:      dst,
		Length:   uint64(length),
		Callback: done.Callback(),
	})
	if err != nil {
		dev.faults.Add(1)
		return fmt.Errorf("%w: %w", ErrTransferFault, err)
	}
	dev.mu.Lock()
	dev.transfer = TransferSubmitted
	cancelled := dev.cancelled
	dev.mu.Unlock()
	defer dev.setTransfer(TransferIdle)

	if cancelled {
		// submitted after detach terminated the channel
		ch.Terminate()
	}
	ch.IssuePending()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done.Done():
		dev.setTransfer(TransferCompleted)
		if err := done.Err(); err != nil {
			dev.faults.Add(1)
			return fmt.Errorf("%w: cookie %d: %w", ErrTransferFault, cookie, err)
		}
		return nil
	case <-timer.C:
		// nothing may write the staging buffer once the read gives up
		ch.Terminate()
		dev.timeouts.Add(1)
		dev.log.Warn("dma transfer timed out", "cookie", cookie, "timeout", timeout)
		return fmt.Errorf("%w: cookie %d after %s", ErrTransferTimeout, cookie, timeout)
	case <-ctx.Done():
		ch.Terminate()
		return ctx.Err()
	}
}

func (dev *Device) setTransfer(s TransferState) {
	dev.mu.Lock()
	dev.transfer = s
	dev.mu.Unlock()
}

func clamp(n int, regionLen uint64, capacity int) int {
	if uint64(n) > regionLen {
		n = int(regionLen)
	}
	if n > capacity {
		n = capacity
	}
	return n
}

type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
