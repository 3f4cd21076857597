// Package chardev is a registry of named byte-stream endpoints, the user
// space counterpart of register_chrdev.
package chardev

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrExists   = errors.New("chardev: endpoint already registered")
	ErrNotFound = errors.New("chardev: no such endpoint")
	ErrClosed   = errors.New("chardev: endpoint closed")
)

// FileOperations serves reads and writes for an endpoint.
type FileOperations interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
}

type node struct {
	name string
	ops  FileOperations

	mu      sync.Mutex
	gone    bool
	handles int
}

func (n *node) live() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.gone
}

// Registry holds registered endpoints by name.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*node
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*node)}
}

// Register binds ops to name.
func (r *Registry) Register(name string, ops FileOperations) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrExists)
	}
	if ops == nil {
		return fmt.Errorf("chardev: endpoint %q has nil operations", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[name]; exists {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	r.nodes[name] = &node{name: name, ops: ops}
	return nil
}

// Unregister removes name. Handles still open fail with ErrClosed afterwards.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	n, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	n.mu.Lock()
	n.gone = true
	n.mu.Unlock()
	return nil
}

// Open returns a handle on name.
func (r *Registry) Open(name string) (*Handle, error) {
	r.mu.Lock()
	n, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gone {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	n.handles++
	return &Handle{node: n}, nil
}

// Names lists registered endpoints in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenHandles returns how many handles on name are open.
func (r *Registry) OpenHandles(name string) int {
	r.mu.Lock()
	n, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handles
}
