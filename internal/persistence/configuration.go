// ABOUTME: Configuration record holding the storage preference and store lifecycle flags
// ABOUTME: Only the cloud preference persists; every other flag is reset on each launch

package persistence

import (
	"fmt"
	"sync"

	"github.com/2389/dualstore/internal/settings"
)

// Settings keys, relative to the application namespace.
const (
	keyUseCloud           = "UseCloudStorage"
	keyPreferenceSelected = "CloudStoragePreferenceSelected"
	keyVersion            = "version"
	keyBuild              = "build"
)

// Flags is a point-in-time copy of the configuration.
type Flags struct {
	FirstInstall            bool `json:"first_install"`
	CloudAvailable          bool `json:"cloud_available"`
	CloudEnabled            bool `json:"cloud_enabled"`
	ShouldUseCloud          bool `json:"should_use_cloud"`
	CloudPreferenceSelected bool `json:"cloud_preference_selected"`
	ShouldMigrateData       bool `json:"should_migrate_data"`
	HasJustMigrated         bool `json:"has_just_migrated"`
	StoreOpen               bool `json:"store_open"`
	StoreOpening            bool `json:"store_opening"`
}

// Configuration is the process-wide preference and lifecycle record. It is
// written by the Manager only.
type Configuration struct {
	settings settings.Store
	version  string
	build    string

	mu    sync.Mutex
	flags Flags
}

// NewConfiguration creates a configuration backed by store, which must
// already be namespaced by application identity.
func NewConfiguration(store settings.Store, version, build string) *Configuration {
	return &Configuration{
		settings: store,
		version:  version,
		build:    build,
		flags:    Flags{ShouldMigrateData: true},
	}
}

// Load records the application version and reads the persisted preference.
func (c *Configuration) Load() error {
	if c.version != "" {
		if err := c.settings.SetString(keyVersion, c.version); err != nil {
			return fmt.Errorf("recording version: %w", err)
		}
	}
	if c.build != "" {
		if err := c.settings.SetString(keyBuild, c.build); err != nil {
			return fmt.Errorf("recording build: %w", err)
		}
	}

	_, selected := c.settings.GetString(keyPreferenceSelected)
	useCloud := c.settings.GetBool(keyUseCloud)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.CloudPreferenceSelected = selected
	c.flags.ShouldUseCloud = selected && useCloud
	return nil
}

// SetShouldUseCloud records the user's storage preference and marks it as
// selected.
func (c *Configuration) SetShouldUseCloud(use bool) error {
	c.mu.Lock()
	c.flags.ShouldUseCloud = use
	c.flags.CloudPreferenceSelected = true
	c.mu.Unlock()

	if err := c.settings.SetBool(keyUseCloud, use); err != nil {
		return fmt.Errorf("saving storage preference: %w", err)
	}
	if err := c.settings.SetString(keyPreferenceSelected, "YES"); err != nil {
		return fmt.Errorf("saving storage preference: %w", err)
	}
	return nil
}

// ClearCloudPreference forgets the storage preference so the user is asked
// again.
func (c *Configuration) ClearCloudPreference() error {
	c.mu.Lock()
	c.flags.ShouldUseCloud = false
	c.flags.CloudPreferenceSelected = false
	c.mu.Unlock()

	if err := c.settings.SetBool(keyUseCloud, false); err != nil {
		return fmt.Errorf("clearing storage preference: %w", err)
	}
	if err := c.settings.Remove(keyPreferenceSelected); err != nil {
		return fmt.Errorf("clearing storage preference: %w", err)
	}
	return nil
}

// Snapshot returns a copy of every flag.
func (c *Configuration) Snapshot() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

func (c *Configuration) get(f func(*Flags) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(&c.flags)
}

func (c *Configuration) set(f func(*Flags)) {
	c.mu.Lock()
	f(&c.flags)
	c.mu.Unlock()
}

func (c *Configuration) FirstInstall() bool {
	return c.get(func(f *Flags) bool { return f.FirstInstall })
}

func (c *Configuration) SetFirstInstall(v bool) {
	c.set(func(f *Flags) { f.FirstInstall = v })
}

func (c *Configuration) CloudAvailable() bool {
	return c.get(func(f *Flags) bool { return f.CloudAvailable })
}

func (c *Configuration) SetCloudAvailable(v bool) {
	c.set(func(f *Flags) { f.CloudAvailable = v })
}

func (c *Configuration) CloudEnabled() bool {
	return c.get(func(f *Flags) bool { return f.CloudEnabled })
}

func (c *Configuration) SetCloudEnabled(v bool) {
	c.set(func(f *Flags) { f.CloudEnabled = v })
}

func (c *Configuration) ShouldUseCloud() bool {
	return c.get(func(f *Flags) bool { return f.ShouldUseCloud })
}

func (c *Configuration) CloudPreferenceSelected() bool {
	return c.get(func(f *Flags) bool { return f.CloudPreferenceSelected })
}

func (c *Configuration) ShouldMigrateData() bool {
	return c.get(func(f *Flags) bool { return f.ShouldMigrateData })
}

func (c *Configuration) SetShouldMigrateData(v bool) {
	c.set(func(f *Flags) { f.ShouldMigrateData = v })
}

func (c *Configuration) HasJustMigrated() bool {
	return c.get(func(f *Flags) bool { return f.HasJustMigrated })
}

func (c *Configuration) SetHasJustMigrated(v bool) {
	c.set(func(f *Flags) { f.HasJustMigrated = v })
}

func (c *Configuration) StoreOpen() bool {
	return c.get(func(f *Flags) bool { return f.StoreOpen })
}

func (c *Configuration) StoreOpening() bool {
	return c.get(func(f *Flags) bool { return f.StoreOpening })
}

// beginOpening marks the store as opening unless it is already open. It
// reports whether the caller should proceed. A store left opening by a
// failed attach may be opened again.
func (c *Configuration) beginOpening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags.StoreOpen {
		return false
	}
	c.flags.StoreOpening = true
	return true
}

func (c *Configuration) markOpen() {
	c.set(func(f *Flags) {
		f.StoreOpening = false
		f.StoreOpen = true
	})
}

func (c *Configuration) markClosed() {
	c.set(func(f *Flags) {
		f.StoreOpening = false
		f.StoreOpen = false
	})
}
