package source

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/educast/studio/internal/media"
)

// LostCallback is invoked exactly once when a source ends from the
// device side while the handle is still held.
type LostCallback func(handle *Handle)

// Manager owns every acquired source. At most one handle per kind is
// held at a time; re-acquiring a kind releases the previous handle.
type Manager struct {
	logger hclog.Logger
	opener CaptureOpener

	mu       sync.Mutex
	byKind   map[media.SourceKind]*Handle
	onLost   map[string]LostCallback
	watchers map[string]chan struct{}
}

// NewManager creates a source manager using the given opener
func NewManager(logger hclog.Logger, opener CaptureOpener) *Manager {
	return &Manager{
		logger:   logger.Named("source-manager"),
		opener:   opener,
		byKind:   make(map[media.SourceKind]*Handle),
		onLost:   make(map[string]LostCallback),
		watchers: make(map[string]chan struct{}),
	}
}

// AcquireCamera acquires the camera source
func (m *Manager) AcquireCamera(constraints Constraints) (*Handle, error) {
	return m.acquire(media.SourceCamera, constraints)
}

// AcquireScreen acquires the screen source. Screen captures may also
// carry system audio.
func (m *Manager) AcquireScreen() (*Handle, error) {
	return m.acquire(media.SourceScreen, Constraints{})
}

// AcquireMicrophone acquires the microphone source
func (m *Manager) AcquireMicrophone(constraints Constraints) (*Handle, error) {
	return m.acquire(media.SourceMicrophone, constraints)
}

func (m *Manager) acquire(kind media.SourceKind, constraints Constraints) (*Handle, error) {
	capture, err := m.opener.Open(kind, constraints)
	if err != nil {
		// Acquisition failures never disturb sources already held.
		return nil, fmt.Errorf("acquire %s: %w", kind, err)
	}

	m.mu.Lock()
	if prev := m.byKind[kind]; prev != nil {
		m.releaseLocked(prev)
	}
	handle := &Handle{
		ID:       uuid.New().String(),
		Kind:     kind,
		DeviceID: constraints.DeviceID,
		capture:  capture,
	}
	handle.active.Store(true)
	m.byKind[kind] = handle
	stop := make(chan struct{})
	m.watchers[handle.ID] = stop
	m.mu.Unlock()

	go m.watchEnd(handle, stop)

	m.logger.Info("source acquired", "kind", kind, "handle_id", handle.ID)
	return handle, nil
}

// OnSourceLost registers a callback fired exactly once if the handle
// ends from the device side.
func (m *Manager) OnSourceLost(handle *Handle, cb LostCallback) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost[handle.ID] = cb
}

// watchEnd waits for the capture's device-side end signal
func (m *Manager) watchEnd(handle *Handle, stop <-chan struct{}) {
	select {
	case <-handle.capture.Done():
	case <-stop:
		return
	}

	m.mu.Lock()
	if !handle.active.Load() {
		m.mu.Unlock()
		return
	}
	handle.active.Store(false)
	if m.byKind[handle.Kind] == handle {
		delete(m.byKind, handle.Kind)
	}
	cb := m.onLost[handle.ID]
	delete(m.onLost, handle.ID)
	delete(m.watchers, handle.ID)
	m.mu.Unlock()

	handle.capture.Close()
	m.logger.Warn("source lost", "kind", handle.Kind, "handle_id", handle.ID)
	if cb != nil {
		cb(handle)
	}
}

// Release releases a handle's tracks. Idempotent; releasing a lost or
// already-released handle is a no-op.
func (m *Manager) Release(handle *Handle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	m.releaseLocked(handle)
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(handle *Handle) {
	if !handle.active.Load() {
		return
	}
	handle.active.Store(false)
	if m.byKind[handle.Kind] == handle {
		delete(m.byKind, handle.Kind)
	}
	if stop, ok := m.watchers[handle.ID]; ok {
		close(stop)
		delete(m.watchers, handle.ID)
	}
	delete(m.onLost, handle.ID)
	handle.capture.Close()
	m.logger.Info("source released", "kind", handle.Kind, "handle_id", handle.ID)
}

// Held returns the handle currently held for a kind, if any
func (m *Manager) Held(kind media.SourceKind) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byKind[kind]
	return h, ok
}

// HeldKinds returns the kinds currently held, for session bookkeeping
func (m *Manager) HeldKinds() []media.SourceKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]media.SourceKind, 0, len(m.byKind))
	for kind := range m.byKind {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Dispose releases every held source. Called on all teardown paths.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, handle := range m.byKind {
		m.releaseLocked(handle)
	}
}
