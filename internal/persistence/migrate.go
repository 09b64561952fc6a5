// ABOUTME: Migration between backends through transient coordinators
// ABOUTME: Plans what to move in the foreground and executes it on the background queue

package persistence

import (
	"context"
	"fmt"

	"github.com/2389/dualstore/internal/backend"
	"github.com/2389/dualstore/internal/engine"
	"github.com/2389/dualstore/internal/prompt"
)

type migrationPlan int

const (
	planNone migrationPlan = iota
	planLocalToCloud
	planCloudToLocal
	planDiscardCloud
)

func (p migrationPlan) String() string {
	switch p {
	case planLocalToCloud:
		return "local_to_cloud"
	case planCloudToLocal:
		return "cloud_to_local"
	case planDiscardCloud:
		return "discard_cloud"
	default:
		return "none"
	}
}

// planMigration decides what has to move once the active backend is known.
// It may ask the user whether to merge.
func (m *Manager) planMigration(ctx context.Context) (migrationPlan, error) {
	if m.cfg.CloudEnabled() {
		if !m.local.StoreExists(ctx) {
			return planNone, nil
		}
		if !m.cloud.StoreExists(ctx) {
			return planLocalToCloud, nil
		}

		m.setState(AwaitingUserChoice)
		choice, err := m.prompts.Choose(ctx, prompt.MergeDialog())
		if err != nil {
			return planNone, fmt.Errorf("asking whether to merge: %w", err)
		}
		if choice == prompt.ChoiceMerge {
			return planLocalToCloud, nil
		}
		return planNone, nil
	}

	if m.cfg.FirstInstall() || !m.cfg.CloudAvailable() || !m.cloud.StoreExists(ctx) {
		return planNone, nil
	}
	if !m.cfg.ShouldMigrateData() {
		return planDiscardCloud, nil
	}
	if m.local.StoreExists(ctx) {
		return planNone, nil
	}
	return planCloudToLocal, nil
}

// migrateDataIfRequired carries out plan. A failed migration leaves the
// active backend as it is, so the store opened afterwards is the
// destination's prior content.
func (m *Manager) migrateDataIfRequired(ctx context.Context, plan migrationPlan) {
	if plan == planNone {
		return
	}
	m.setState(MigratingIfNeeded)
	m.logger.Debug("migrating", "plan", plan)

	switch plan {
	case planLocalToCloud:
		if err := m.Migrate(ctx, m.local, m.cloud, true, true); err != nil {
			m.logger.Error("migrating to cloud", "error", err)
			return
		}
		m.cfg.SetHasJustMigrated(true)

	case planCloudToLocal:
		// Other devices still read the cloud copy.
		shared := m.registry != nil && m.registry.SharedWithOthers()
		if shared {
			m.logger.Info("cloud store is shared with other devices, keeping it")
		}
		if err := m.Migrate(ctx, m.cloud, m.local, !shared, !shared); err != nil {
			m.logger.Error("migrating to local storage", "error", err)
		}

	case planDiscardCloud:
		if err := <-m.cloud.Delete(ctx); err != nil {
			m.logger.Warn("deleting cloud store", "error", err)
		}
		m.removeObservers()
	}
}

// Migrate copies the store of src into dst. When shouldBackup is set and
// src has a store, it is snapshotted first; a failed snapshot does not stop
// the migration. When shouldDelete is set, src's store is removed after a
// successful copy. On failure the returned error matches ErrMigration and
// dst is unchanged.
func (m *Manager) Migrate(ctx context.Context, src, dst backend.Backend, shouldDelete, shouldBackup bool) error {
	if src == nil || dst == nil {
		return &MigrationError{Source: kindOf(src), Destination: kindOf(dst), Err: ErrNoCloudBackend}
	}
	log := m.logger.With("from", src.Kind(), "to", dst.Kind())

	if shouldBackup && src.StoreExists(ctx) {
		path, err := m.backup(ctx, src)
		if err != nil {
			log.Warn("backup before migration failed, migrating anyway", "error", err)
		} else {
			log.Info("backed up store before migration", "path", path)
		}
	}

	// Neither file may stay open in the live coordinator while it is
	// replaced or removed.
	if m.cfg.StoreOpen() {
		if err := m.Close(ctx); err != nil {
			log.Warn("closing live store", "error", err)
		}
	}

	tc := m.engine.NewCoordinator("migration")
	defer tc.Close()

	source, err := src.Attach(ctx, tc, engine.AttachExisting)
	if err != nil {
		return &MigrationError{Source: kindOf(src), Destination: kindOf(dst), Err: err}
	}
	if _, err := dst.MigrateInto(ctx, source, tc); err != nil {
		return &MigrationError{Source: kindOf(src), Destination: kindOf(dst), Err: err}
	}
	if err := tc.Close(); err != nil {
		log.Warn("closing migration coordinator", "error", err)
	}

	m.removeObservers()

	if shouldDelete {
		if err := <-src.Delete(ctx); err != nil {
			log.Warn("deleting migrated store", "error", err)
		}
	}
	log.Info("migration complete", "deleted_source", shouldDelete)
	return nil
}

func kindOf(b backend.Backend) string {
	if b == nil {
		return "none"
	}
	return b.Kind().String()
}
