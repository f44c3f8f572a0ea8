package store

import (
	"context"
	"fmt"
	"sync"
)

type managerState int

const (
	stateUninitialized managerState = iota
	stateInitializing
	stateReady
	stateFailed
)

// Manager guarantees a single live Handle per process. The first caller
// starts the open; every caller that arrives while it is in flight waits on
// the same pending operation and observes the same outcome. A failed open
// is sticky: later calls re-surface the original error without touching the
// filesystem again, until an explicit Reset.
type Manager struct {
	mu      sync.Mutex
	state   managerState
	handle  *Handle
	err     error
	pending chan struct{}
	open    func(context.Context) (*Handle, error)
}

// NewManager wraps an open function. The function runs at most once per
// lifecycle (Reset starts a new lifecycle).
func NewManager(open func(context.Context) (*Handle, error)) *Manager {
	return &Manager{open: open}
}

// NewFileManager is the common case: a manager whose handle is backed by
// the given file.
func NewFileManager(path string) *Manager {
	return NewManager(func(ctx context.Context) (*Handle, error) {
		return Open(ctx, path)
	})
}

// Get returns the shared handle, opening it on first call. Waiting callers
// may abandon the wait via ctx, but the initialization itself always runs
// to completion so a later caller sees its settled outcome.
func (m *Manager) Get(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	for {
		switch m.state {
		case stateReady:
			h := m.handle
			m.mu.Unlock()
			return h, nil

		case stateFailed:
			err := m.err
			m.mu.Unlock()
			return nil, err

		case stateInitializing:
			ch := m.pending
			m.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()

		default: // stateUninitialized
			ch := make(chan struct{})
			m.pending = ch
			m.state = stateInitializing
			m.mu.Unlock()

			h, err := m.open(context.WithoutCancel(ctx))

			m.mu.Lock()
			if err != nil {
				m.state = stateFailed
				m.err = fmt.Errorf("open local database: %w", err)
			} else {
				m.state = stateReady
				m.handle = h
			}
			m.pending = nil
			close(ch)
		}
	}
}

// Close flushes and releases the handle, returning the manager to the
// uninitialized state so a later Get opens a fresh one. An in-flight open
// is allowed to settle first, so a handle produced during teardown is
// flushed and closed rather than leaked. Process-level teardown only.
func (m *Manager) Close() error {
	m.mu.Lock()
	for m.state == stateInitializing {
		ch := m.pending
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
	}
	h := m.handle
	m.state = stateUninitialized
	m.handle = nil
	m.err = nil
	m.mu.Unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

// Reset clears a sticky failure without touching a live handle. A no-op
// while an initialization is in flight.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateFailed {
		m.state = stateUninitialized
		m.err = nil
	}
}
