package chardev

import (
	"context"
	"io"
	"sync"
)

// Handle is an open endpoint. Reads and writes go straight to the
// endpoint's operations; there is no file offset.
type Handle struct {
	node *node

	mu     sync.Mutex
	closed bool
}

// Name returns the endpoint name.
func (h *Handle) Name() string { return h.node.name }

func (h *Handle) ops() (FileOperations, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed || !h.node.live() {
		return nil, ErrClosed
	}
	return h.node.ops, nil
}

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p)
}

// ReadContext reads up to len(p) bytes; the endpoint may block until ctx ends.
func (h *Handle) ReadContext(ctx context.Context, p []byte) (int, error) {
	ops, err := h.ops()
	if err != nil {
		return 0, err
	}
	return ops.Read(ctx, p)
}

// Write implements io.Writer.
func (h *Handle) Write(p []byte) (int, error) {
	return h.WriteContext(context.Background(), p)
}

// WriteContext hands p to the endpoint.
func (h *Handle) WriteContext(ctx context.Context, p []byte) (int, error) {
	ops, err := h.ops()
	if err != nil {
		return 0, err
	}
	return ops.Write(ctx, p)
}

// Close releases the handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true

	h.node.mu.Lock()
	h.node.handles--
	h.node.mu.Unlock()
	return nil
}

var _ io.ReadWriteCloser = (*Handle)(nil)
