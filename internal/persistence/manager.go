// ABOUTME: Manager owns the configuration, both backends, and the live store coordinator
// ABOUTME: Drives backend selection, migration, and the store lifecycle on a serial background queue

package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/dualstore/internal/backend"
	"github.com/2389/dualstore/internal/engine"
	"github.com/2389/dualstore/internal/events"
	"github.com/2389/dualstore/internal/prompt"
	"github.com/2389/dualstore/internal/registry"
)

// State is a step of the backend selection state machine.
type State int

const (
	Uninitialized State = iota
	DeterminingPreference
	AwaitingUserChoice
	InitializingLocal
	InitializingCloud
	MigratingIfNeeded
	Opening
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DeterminingPreference:
		return "determining_preference"
	case AwaitingUserChoice:
		return "awaiting_user_choice"
	case InitializingLocal:
		return "initializing_local"
	case InitializingCloud:
		return "initializing_cloud"
	case MigratingIfNeeded:
		return "migrating_if_needed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	Configuration *Configuration
	Local         backend.Backend
	// Cloud is nil when no cloud container is configured.
	Cloud    backend.CloudBackend
	Engine   *engine.Engine
	Prompts  prompt.Service
	Registry *registry.Registry
	Emitter  *events.Emitter

	BackupDir   string
	MergePolicy engine.MergePolicy
	// DeviceLabel names this device in dialogs.
	DeviceLabel string
	Logger      *slog.Logger
}

// Manager selects the active backend, migrates data between backends, and
// keeps the live store open.
type Manager struct {
	cfg       *Configuration
	local     backend.Backend
	cloud     backend.CloudBackend
	engine    *engine.Engine
	prompts   prompt.Service
	registry  *registry.Registry
	emitter   *events.Emitter
	backupDir string
	device    string
	logger    *slog.Logger

	coord *engine.Coordinator
	root  *engine.Session

	// queue runs stack creation, migrations, and backups; stackMu keeps
	// them one at a time.
	queue   errgroup.Group
	stackMu sync.Mutex

	// openMu serialises Open and Close.
	openMu      sync.Mutex
	opened      backend.Backend
	stopWatch   context.CancelFunc
	observerIDs []string

	mu       sync.Mutex
	state    State
	active   backend.Backend
	sessions []*engine.Session
}

// New creates a Manager. The local backend starts out active.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Configuration == nil:
		return nil, errors.New("configuration is required")
	case opts.Local == nil:
		return nil, errors.New("local backend is required")
	case opts.Engine == nil:
		return nil, errors.New("engine is required")
	case opts.Prompts == nil:
		return nil, errors.New("prompt service is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(logger)
	}
	device := opts.DeviceLabel
	if device == "" {
		device = "this device"
	}

	coord := opts.Engine.NewCoordinator("live")
	return &Manager{
		cfg:       opts.Configuration,
		local:     opts.Local,
		cloud:     opts.Cloud,
		engine:    opts.Engine,
		prompts:   opts.Prompts,
		registry:  opts.Registry,
		emitter:   emitter,
		backupDir: opts.BackupDir,
		device:    device,
		logger:    logger.With("component", "persistence"),
		coord:     coord,
		root:      engine.NewRootSession(coord, opts.MergePolicy),
		active:    opts.Local,
	}, nil
}

// Configuration returns the configuration record.
func (m *Manager) Configuration() *Configuration { return m.cfg }

// Emitter returns the emitter lifecycle events are published on.
func (m *Manager) Emitter() *events.Emitter { return m.emitter }

// Registry returns the device registry, nil if none is configured.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// State returns the current state machine step.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("state changed", "from", prev, "to", s)
	}
}

// Active returns the backend the store is opened from.
func (m *Manager) Active() backend.Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) setActive(b backend.Backend) {
	m.mu.Lock()
	m.active = b
	m.mu.Unlock()
}

func (m *Manager) cloudIsAvailable() bool {
	return m.cloud != nil && m.cloud.IsAvailable()
}

func (m *Manager) publish(kind events.Kind, b backend.Backend, err error) {
	ev := events.Event{Kind: kind, Err: err}
	if b != nil {
		ev.Backend = b.Kind().String()
	}
	m.emitter.Publish(ev)
}

// Wait blocks until queued background work has finished.
func (m *Manager) Wait() {
	_ = m.queue.Wait()
}

// Shutdown waits for background work, closes the store, and stops the
// registry watch.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Wait()
	err := m.Close(ctx)
	if m.registry != nil {
		m.registry.Teardown()
	}
	return err
}
