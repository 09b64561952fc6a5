// ABOUTME: Cloud backend storing the store file inside a synchronized cloud container
// ABOUTME: Handles account identity checks, bounded existence polling, and import watching

package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"

	"github.com/2389/dualstore/internal/cloud"
	"github.com/2389/dualstore/internal/engine"
	"github.com/2389/dualstore/internal/settings"
)

const (
	// tokenKey holds the fingerprint of the last seen identity token.
	tokenKey = "ubiquityToken"

	storeSubdir = "CoreData"
)

// CloudOptions configures a Cloud backend.
type CloudOptions struct {
	Name      string
	Container cloud.Container
	// Settings must already be namespaced by application identity.
	Settings settings.Store

	// ExistencePollInterval and ExistencePollAttempts bound how long
	// StoreExists waits for a container listing.
	ExistencePollInterval time.Duration
	ExistencePollAttempts int
	// DownloadPollInterval paces the wait for a store download on attach.
	DownloadPollInterval time.Duration

	Logger *slog.Logger
}

// Cloud keeps the store at <container>/CoreData/<name>.
type Cloud struct {
	name         string
	container    cloud.Container
	settings     settings.Store
	pollInterval time.Duration
	pollAttempts int
	downloadPoll time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	rebuild bool
}

// NewCloud creates a cloud backend.
func NewCloud(opts CloudOptions) *Cloud {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cloud{
		name:         opts.Name,
		container:    opts.Container,
		settings:     opts.Settings,
		pollInterval: opts.ExistencePollInterval,
		pollAttempts: opts.ExistencePollAttempts,
		downloadPoll: opts.DownloadPollInterval,
		logger:       logger.With("component", "backend", "backend", "cloud"),
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.pollAttempts <= 0 {
		c.pollAttempts = 10
	}
	if c.downloadPoll <= 0 {
		c.downloadPoll = 200 * time.Millisecond
	}
	return c
}

func (c *Cloud) Name() string { return c.name }

func (c *Cloud) Kind() Kind { return KindCloud }

// IsAvailable reports whether an account is signed in.
func (c *Cloud) IsAvailable() bool {
	_, ok := c.container.IdentityToken()
	return ok
}

func (c *Cloud) storeDir() (string, error) {
	root, err := c.container.ContainerDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, storeSubdir), nil
}

func (c *Cloud) StorePath() (string, error) {
	dir, err := c.storeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.name), nil
}

type listing struct {
	names []string
	err   error
}

// StoreExists lists the container and reports whether the store is among
// its items, downloaded or not. The listing is polled at a fixed interval
// for a bounded number of attempts; if it has not answered by then, or it
// fails, the store is assumed to exist.
func (c *Cloud) StoreExists(ctx context.Context) bool {
	if !c.IsAvailable() {
		return false
	}
	dir, err := c.storeDir()
	if err != nil {
		return false
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan listing, 1)
	go func() {
		names, err := c.container.List(listCtx, dir)
		results <- listing{names: names, err: err}
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		select {
		case res := <-results:
			if res.err != nil {
				c.logger.Warn("container listing failed, assuming store exists", "error", res.err)
				return true
			}
			return slices.Contains(res.names, c.name)
		case <-ctx.Done():
			c.logger.Warn("existence check cancelled, assuming store exists")
			return true
		case <-ticker.C:
			c.logger.Debug("waiting for container listing", "attempt", attempt)
		}
	}

	c.logger.Warn("container listing timed out, assuming store exists",
		"waited", c.pollInterval*time.Duration(c.pollAttempts))
	return true
}

// fingerprint hashes the token so the raw identity never lands in settings.
func fingerprint(token []byte) string {
	sum := blake2b.Sum256(token)
	return hex.EncodeToString(sum[:])
}

// Authenticate compares the current identity with the stored one. A change
// is only reported when an identity was stored before.
func (c *Cloud) Authenticate(ctx context.Context) (bool, error) {
	current := ""
	if token, ok := c.container.IdentityToken(); ok {
		current = fingerprint(token)
	}

	previous, hadPrevious := c.settings.GetString(tokenKey)
	changed := hadPrevious && previous != current

	var err error
	if current != "" {
		err = c.settings.SetString(tokenKey, current)
	} else {
		err = c.settings.Remove(tokenKey)
	}
	if err != nil {
		return changed, fmt.Errorf("storing identity token: %w", err)
	}

	if changed {
		c.logger.Info("cloud identity changed")
	}
	return changed, nil
}

// RebuildFromCloud makes the next attach require the container copy and
// wait for its download instead of creating an empty store.
func (c *Cloud) RebuildFromCloud() {
	c.mu.Lock()
	c.rebuild = true
	c.mu.Unlock()
}

func (c *Cloud) takeRebuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rebuild
	c.rebuild = false
	return r
}

func (c *Cloud) request(mode engine.AttachMode) (engine.AttachRequest, error) {
	path, err := c.StorePath()
	if err != nil {
		return engine.AttachRequest{}, err
	}
	return engine.AttachRequest{
		Backend:     KindCloud.String(),
		Path:        path,
		Mode:        mode,
		JournalMode: engine.JournalDelete,
	}, nil
}

// Attach waits for the store to be downloaded before attaching it.
func (c *Cloud) Attach(ctx context.Context, coord *engine.Coordinator, mode engine.AttachMode) (*engine.Store, error) {
	req, err := c.request(mode)
	if err != nil {
		return nil, &engine.AttachError{Path: c.name, Err: err}
	}
	if c.takeRebuild() {
		c.logger.Info("rebuilding from container copy", "path", req.Path)
		req.Mode = engine.AttachExisting
	}

	if _, err := cloud.Download(ctx, c.container, req.Path, c.downloadPoll); err != nil {
		return nil, &engine.AttachError{Path: req.Path, Err: err}
	}
	return coord.Attach(ctx, req)
}

// MigrateInto merges source into the container copy, downloading that copy
// first so records from other devices are carried over.
func (c *Cloud) MigrateInto(ctx context.Context, source *engine.Store, coord *engine.Coordinator) (*engine.Store, error) {
	req, err := c.request(engine.AttachCreate)
	if err != nil {
		return nil, err
	}
	if _, err := cloud.Download(ctx, c.container, req.Path, c.downloadPoll); err != nil {
		return nil, fmt.Errorf("downloading destination store: %w", err)
	}
	return coord.MigrateInto(ctx, source, req)
}

// Delete removes the store from the container, including a placeholder for
// a copy that was never downloaded.
func (c *Cloud) Delete(ctx context.Context) <-chan error {
	path, err := c.StorePath()
	c.logger.Info("deleting store", "path", path)
	return deleteStore(path, err, c.container.Remove)
}

func (c *Cloud) Backup(ctx context.Context, coord *engine.Coordinator, dir string) (string, error) {
	return backupStore(ctx, c, coord, dir)
}

// Watch relays changes that other devices sync into the store file to
// coord until ctx is done.
func (c *Cloud) Watch(ctx context.Context, coord *engine.Coordinator) error {
	path, err := c.StorePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// A commit by another writer ends with its journal going away.
				switch ev.Name {
				case path, path + "-journal", path + "-wal":
				default:
					continue
				}
				if coord.Store() == nil {
					continue
				}
				if _, err := coord.CheckExternalChanges(ctx); err != nil {
					c.logger.Warn("checking imported changes", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("watcher error", "error", err)
			}
		}
	}()
	return nil
}
