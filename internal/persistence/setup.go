// ABOUTME: Backend selection: preference loading, user prompts, and backend initialization
// ABOUTME: Setup decides in the foreground and hands stack creation to the background queue

package persistence

import (
	"context"
	"fmt"

	"github.com/2389/dualstore/internal/backend"
	"github.com/2389/dualstore/internal/prompt"
)

// Setup chooses the active backend, asking the user where needed, and
// queues stack creation. The returned channel is closed once the stack
// creation finished, whether or not the store could be opened. On error no
// stack creation was queued.
func (m *Manager) Setup(ctx context.Context) (<-chan struct{}, error) {
	m.setState(DeterminingPreference)
	m.cfg.SetCloudAvailable(m.cloudIsAvailable())
	if err := m.cfg.Load(); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	kind, err := m.determinePreference(ctx)
	if err != nil {
		return nil, err
	}

	switch kind {
	case backend.KindCloud:
		m.initializeCloudBackend(ctx)
	default:
		m.initializeLocalBackend()
	}

	plan, err := m.planMigration(ctx)
	if err != nil {
		return nil, err
	}
	return m.createStack(ctx, plan), nil
}

func (m *Manager) determinePreference(ctx context.Context) (backend.Kind, error) {
	if m.cfg.CloudPreferenceSelected() {
		return m.initializePreferredBackend(ctx)
	}
	if !m.cfg.CloudAvailable() {
		return backend.KindLocal, nil
	}

	m.cfg.SetFirstInstall(true)
	m.setState(AwaitingUserChoice)
	choice, err := m.prompts.Choose(ctx, prompt.StoragePreferenceDialog())
	if err != nil {
		return 0, fmt.Errorf("asking for storage preference: %w", err)
	}

	useCloud := choice != prompt.ChoiceLocal
	if err := m.cfg.SetShouldUseCloud(useCloud); err != nil {
		m.logger.Warn("persisting storage preference", "error", err)
	}
	if useCloud {
		return backend.KindCloud, nil
	}
	return backend.KindLocal, nil
}

func (m *Manager) initializePreferredBackend(ctx context.Context) (backend.Kind, error) {
	if m.cfg.ShouldUseCloud() {
		if m.cfg.CloudAvailable() {
			return backend.KindCloud, nil
		}

		m.logger.Info("cloud account no longer available, falling back to local storage")
		if err := m.cfg.ClearCloudPreference(); err != nil {
			m.logger.Warn("clearing storage preference", "error", err)
		}
		m.acknowledge(ctx, prompt.SignOutDialog())
		return backend.KindLocal, nil
	}

	if !m.cfg.CloudAvailable() || !m.cloud.StoreExists(ctx) || m.local.StoreExists(ctx) {
		return backend.KindLocal, nil
	}

	m.setState(AwaitingUserChoice)
	choice, err := m.prompts.Choose(ctx, prompt.CloudDisabledDialog(m.device))
	if err != nil {
		return 0, fmt.Errorf("asking what to do with cloud documents: %w", err)
	}

	switch choice {
	case prompt.ChoiceKeepCloud:
		if err := m.cfg.SetShouldUseCloud(true); err != nil {
			m.logger.Warn("persisting storage preference", "error", err)
		}
		return backend.KindCloud, nil
	case prompt.ChoiceKeepLocalData:
		m.cfg.SetShouldMigrateData(true)
	default:
		m.cfg.SetShouldMigrateData(false)
	}
	return backend.KindLocal, nil
}

func (m *Manager) initializeLocalBackend() {
	m.setState(InitializingLocal)
	m.cfg.SetCloudEnabled(false)
	m.setActive(m.local)
	m.logger.Info("using local storage")
}

func (m *Manager) initializeCloudBackend(ctx context.Context) {
	m.setState(InitializingCloud)
	m.cfg.SetCloudEnabled(true)
	m.setActive(m.cloud)
	m.logger.Info("using cloud storage")

	changed, err := m.cloud.Authenticate(ctx)
	if err != nil {
		m.logger.Warn("recording cloud identity", "error", err)
	}
	if changed {
		m.logger.Info("cloud account changed since last launch")
		m.acknowledge(ctx, prompt.SignOutDialog())
	}
}

// acknowledge shows a notice. The flow continues whatever the outcome.
func (m *Manager) acknowledge(ctx context.Context, d prompt.Dialog) {
	if _, err := m.prompts.Choose(ctx, d); err != nil {
		m.logger.Warn("showing notice", "dialog", d.Kind, "error", err)
	}
}

// createStack syncs the device registry, migrates, and opens the store on
// the background queue.
func (m *Manager) createStack(ctx context.Context, plan migrationPlan) <-chan struct{} {
	done := make(chan struct{})
	bg := context.WithoutCancel(ctx)

	m.queue.Go(func() error {
		defer close(done)
		m.stackMu.Lock()
		defer m.stackMu.Unlock()

		m.syncRegistry(bg)
		m.closeIfStale(bg)
		m.migrateDataIfRequired(bg, plan)
		if err := m.Open(bg); err != nil {
			m.logger.Debug("stack created without an open store", "error", err)
		}
		m.cfg.SetFirstInstall(false)
		return nil
	})
	return done
}

// syncRegistry registers this device when the cloud is in use and only
// reads the registry when the cloud is merely available. Failures are
// absorbed; the next refresh reconciles.
func (m *Manager) syncRegistry(ctx context.Context) {
	if m.registry == nil || !m.cfg.CloudAvailable() {
		return
	}

	register := m.cfg.CloudEnabled()
	res, err := m.registry.Refresh(ctx, register)
	if err != nil {
		m.logger.Warn("refreshing device registry", "error", err)
	} else {
		m.logger.Debug("device registry refreshed",
			"existed", res.Existed,
			"self_present", res.SelfPresent,
			"devices", len(m.registry.Devices()))
	}

	if register {
		if err := m.registry.Setup(ctx); err != nil {
			m.logger.Warn("watching device registry", "error", err)
		}
	}
}

// closeIfStale closes a store left open from another backend by an
// earlier setup.
func (m *Manager) closeIfStale(ctx context.Context) {
	m.openMu.Lock()
	stale := m.opened != nil && m.opened != m.Active()
	m.openMu.Unlock()
	if !stale {
		return
	}
	if err := m.Close(ctx); err != nil {
		m.logger.Warn("closing store of previous backend", "error", err)
	}
}
