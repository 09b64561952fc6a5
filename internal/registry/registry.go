// ABOUTME: Device registry kept as a shared JSON document inside the cloud container
// ABOUTME: Optimistic read-then-append under file locks; tolerates races and reconciles on refresh

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/2389/dualstore/internal/cloud"
	"github.com/2389/dualstore/internal/events"
	"github.com/2389/dualstore/internal/settings"
)

const (
	// deviceIDKey holds this device's identifier in the settings store.
	deviceIDKey = "DeviceUUID"

	lockRetryDelay = 20 * time.Millisecond
)

// ErrRegistryIO is matched by every *IOError.
var ErrRegistryIO = errors.New("device registry i/o failed")

// IOError describes a failed coordinated read or write.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("device registry %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrRegistryIO, e.Err} }

// Document is the on-disk registry format.
type Document struct {
	DeviceUUIDs []string `json:"DeviceUUIDs"`
}

// Result reports what a refresh found.
type Result struct {
	// Existed is true when the shared list held at least one device.
	Existed bool
	// SelfPresent is true when this device was already listed.
	SelfPresent bool
}

// Options configures a Registry.
type Options struct {
	Container cloud.Container
	// Settings must already be namespaced by application identity.
	Settings     settings.Store
	Emitter      *events.Emitter
	FileName     string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Registry tracks which devices share the cloud container.
type Registry struct {
	container    cloud.Container
	emitter      *events.Emitter
	fileName     string
	pollInterval time.Duration
	deviceID     string
	logger       *slog.Logger

	// refreshMu serialises refreshes from this process.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	devices []string

	// While a refresh runs, external changes are only recorded; the watch
	// picks them up from pending once updates are enabled again.
	updMu           sync.Mutex
	updatesDisabled bool
	changePending   bool
	pending         chan struct{}

	watchMu   sync.Mutex
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New creates a registry. The device identifier is generated on first use
// and kept in the settings store from then on.
func New(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FileName == "" {
		opts.FileName = "KnownDevices.json"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}

	id, ok := opts.Settings.GetString(deviceIDKey)
	if !ok || id == "" {
		id = uuid.New().String()
		if err := opts.Settings.SetString(deviceIDKey, id); err != nil {
			return nil, fmt.Errorf("storing device id: %w", err)
		}
	}

	return &Registry{
		container:    opts.Container,
		emitter:      opts.Emitter,
		fileName:     opts.FileName,
		pollInterval: opts.PollInterval,
		deviceID:     id,
		logger:       logger.With("component", "registry", "device_id", id),
		pending:      make(chan struct{}, 1),
	}, nil
}

// DeviceID returns this device's identifier.
func (r *Registry) DeviceID() string { return r.deviceID }

// Devices returns the identifiers seen by the last refresh.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.devices)
}

// SharedWithOthers reports whether the last refresh saw any other device.
func (r *Registry) SharedWithOthers() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.devices {
		if id != r.deviceID {
			return true
		}
	}
	return false
}

func (r *Registry) paths() (doc, lock string, err error) {
	dir, err := r.container.ContainerDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, r.fileName), filepath.Join(dir, "."+r.fileName+".lock"), nil
}

// Refresh downloads and reads the shared list. When this device is missing
// and canRegisterSelf is set it is appended and the list written back in a
// second locked section. Concurrent writers may race between the two
// sections; the list only grows, so a later refresh reconciles.
func (r *Registry) Refresh(ctx context.Context, canRegisterSelf bool) (Result, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.disableUpdates()
	defer r.enableUpdates()

	r.mu.Lock()
	r.devices = nil
	r.mu.Unlock()

	docPath, lockPath, err := r.paths()
	if err != nil {
		return Result{}, err
	}

	if _, err := cloud.Download(ctx, r.container, docPath, r.pollInterval); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.logger.Warn("registry download did not complete, reading local copy", "error", err)
	}

	devices, err := r.coordinatedRead(ctx, docPath, lockPath)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Existed:     len(devices) > 0,
		SelfPresent: slices.Contains(devices, r.deviceID),
	}

	if !res.SelfPresent && canRegisterSelf {
		written, err := r.coordinatedAppend(ctx, docPath, lockPath)
		if err != nil {
			r.setDevices(devices)
			return res, err
		}
		devices = written
		r.logger.Info("registered device", "devices", len(devices))
	}

	r.setDevices(devices)
	r.logger.Debug("registry refreshed",
		"existed", res.Existed,
		"self_present", res.SelfPresent,
		"devices", len(devices))
	return res, nil
}

func (r *Registry) setDevices(devices []string) {
	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
}

func (r *Registry) coordinatedRead(ctx context.Context, docPath, lockPath string) ([]string, error) {
	lock := flock.New(lockPath)
	if _, err := os.Stat(filepath.Dir(lockPath)); errors.Is(err, os.ErrNotExist) {
		// Nothing has been written to this container yet.
		return nil, nil
	}
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return nil, &IOError{Op: "read-lock", Path: lockPath, Err: lockErr(err)}
	}
	defer lock.Unlock()

	devices, err := readDocument(docPath)
	if err != nil {
		return nil, &IOError{Op: "read", Path: docPath, Err: err}
	}
	return devices, nil
}

// coordinatedAppend re-reads the list under an exclusive lock, adds this
// device, and replaces the document.
func (r *Registry) coordinatedAppend(ctx context.Context, docPath, lockPath string) ([]string, error) {
	if err := os.MkdirAll(filepath.Dir(docPath), 0755); err != nil {
		return nil, &IOError{Op: "create-container", Path: filepath.Dir(docPath), Err: err}
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return nil, &IOError{Op: "write-lock", Path: lockPath, Err: lockErr(err)}
	}
	defer lock.Unlock()

	devices, err := readDocument(docPath)
	if err != nil {
		return nil, &IOError{Op: "read", Path: docPath, Err: err}
	}
	if !slices.Contains(devices, r.deviceID) {
		devices = append(devices, r.deviceID)
	}
	if err := writeDocument(docPath, devices); err != nil {
		return nil, &IOError{Op: "write", Path: docPath, Err: err}
	}
	return devices, nil
}

func lockErr(err error) error {
	if err == nil {
		return errors.New("lock not acquired")
	}
	return err
}

// readDocument parses the list, dropping duplicates while keeping order. A
// missing document reads as empty.
func readDocument(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}

	seen := make(map[string]bool, len(doc.DeviceUUIDs))
	out := make([]string, 0, len(doc.DeviceUUIDs))
	for _, id := range doc.DeviceUUIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func writeDocument(path string, devices []string) error {
	data, err := json.MarshalIndent(Document{DeviceUUIDs: devices}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
