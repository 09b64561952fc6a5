// ABOUTME: Subcommands of the dualstore tool and the wiring they share
// ABOUTME: Builds settings, engine, backends, registry, and the persistence manager from config

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/dualstore/internal/backend"
	"github.com/2389/dualstore/internal/cloud"
	"github.com/2389/dualstore/internal/config"
	"github.com/2389/dualstore/internal/engine"
	"github.com/2389/dualstore/internal/events"
	"github.com/2389/dualstore/internal/persistence"
	"github.com/2389/dualstore/internal/prompt"
	"github.com/2389/dualstore/internal/registry"
	"github.com/2389/dualstore/internal/settings"
)

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	closers    []func() error

	local    *backend.Local
	cloud    *backend.Cloud
	registry *registry.Registry
	emitter  *events.Emitter
	manager  *persistence.Manager
}

func openSettings(path string) (settings.Store, func() error, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		s, err := settings.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		f, err := settings.OpenFile(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() error { return nil }, nil
	}
}

func newApp() (*app, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	store, closeSettings, err := openSettings(cfg.Paths.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("opening settings: %w", err)
	}
	a := &app{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		closers:    []func() error{closeSettings},
	}
	prefs := settings.WithNamespace(store, cfg.App.ID)

	eng, err := engine.New(engine.Config{Driver: cfg.Engine.Driver, Logger: logger})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	policy, err := engine.ParseMergePolicy(cfg.Engine.MergePolicy)
	if err != nil {
		a.close()
		return nil, err
	}

	a.emitter = events.NewEmitter(logger)
	a.closers = append(a.closers, func() error { a.emitter.Close(); return nil })
	a.local = backend.NewLocal(cfg.App.StoreName, cfg.Paths.DocumentsDir, logger)

	opts := persistence.Options{
		Configuration: persistence.NewConfiguration(prefs, cfg.App.Version, cfg.App.Build),
		Local:         a.local,
		Engine:        eng,
		Prompts:       prompt.NewTerminal(os.Stdin, os.Stdout),
		Emitter:       a.emitter,
		BackupDir:     cfg.Paths.BackupDir,
		MergePolicy:   policy,
		DeviceLabel:   cfg.App.DeviceLabel,
		Logger:        logger,
	}

	if cfg.CloudConfigured() {
		container := cloud.NewFS(cfg.Paths.ContainerDir, cfg.Cloud.TokenFile)
		a.cloud = backend.NewCloud(backend.CloudOptions{
			Name:                  cfg.App.StoreName,
			Container:             container,
			Settings:              prefs,
			ExistencePollInterval: cfg.Cloud.ExistencePollInterval,
			ExistencePollAttempts: cfg.Cloud.ExistencePollAttempts,
			DownloadPollInterval:  cfg.Registry.DownloadPollInterval,
			Logger:                logger,
		})
		a.registry, err = registry.New(registry.Options{
			Container:    container,
			Settings:     prefs,
			Emitter:      a.emitter,
			FileName:     cfg.Registry.FileName,
			PollInterval: cfg.Registry.DownloadPollInterval,
			Logger:       logger,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("creating device registry: %w", err)
		}
		opts.Cloud = a.cloud
		opts.Registry = a.registry
	}

	a.manager, err = persistence.New(opts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating persistence manager: %w", err)
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("closing", "error", err)
		}
	}
}

// shutdown closes the store and everything newApp opened.
func (a *app) shutdown() {
	if a.manager != nil {
		if err := a.manager.Shutdown(context.Background()); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
	a.close()
}

// openStore runs setup and waits until the store is open.
func (a *app) openStore(ctx context.Context) error {
	done, err := a.manager.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setting up storage: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !a.manager.Configuration().StoreOpen() {
		return errors.New("store did not open, see log for details")
	}
	return nil
}

func storePath(b backend.Backend) string {
	path, err := b.StorePath()
	if err != nil {
		return "(" + err.Error() + ")"
	}
	return path
}

func runSetup(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", a.configPath)
	green.Print("    ▶ ")
	fmt.Printf("Documents: %s\n", a.cfg.Paths.DocumentsDir)
	green.Print("    ▶ ")
	if a.cloud != nil {
		fmt.Printf("Cloud:     %s", a.cfg.Paths.ContainerDir)
		if !a.cloud.IsAvailable() {
			yellow.Print(" [signed out]")
		}
		fmt.Println()
	} else {
		fmt.Print("Cloud:     ")
		gray.Println("not configured")
	}
	fmt.Println()

	failures, _ := a.emitter.Subscribe(ctx, events.UnhandledException)
	if err := a.openStore(ctx); err != nil {
		select {
		case ev := <-failures:
			return fmt.Errorf("%w: %v", err, ev.Err)
		default:
			return err
		}
	}

	active := a.manager.Active()
	flags := a.manager.Configuration().Snapshot()
	fmt.Println()
	green.Print("    ✓ ")
	fmt.Printf("Store open on %s: %s\n", cyan.Sprint(active.Kind()), storePath(active))
	if flags.HasJustMigrated {
		green.Print("    ✓ ")
		fmt.Println("Local documents were moved to the cloud")
	}
	return nil
}

func runStatus(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	conf := a.manager.Configuration()
	if err := conf.Load(); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	yesNo := func(v bool) string {
		if v {
			return green.Sprint("yes")
		}
		return gray.Sprint("no")
	}

	preference := gray.Sprint("not chosen")
	if conf.CloudPreferenceSelected() {
		preference = "local"
		if conf.ShouldUseCloud() {
			preference = "cloud"
		}
	}

	fmt.Printf("Preference:     %s\n", preference)
	fmt.Printf("Local store:    %s %s\n", yesNo(a.local.StoreExists(ctx)), gray.Sprint(storePath(a.local)))
	if a.cloud == nil {
		fmt.Printf("Cloud:          %s\n", gray.Sprint("not configured"))
		return nil
	}
	fmt.Printf("Cloud account:  %s\n", yesNo(a.cloud.IsAvailable()))
	fmt.Printf("Cloud store:    %s %s\n", yesNo(a.cloud.StoreExists(ctx)), gray.Sprint(storePath(a.cloud)))
	fmt.Printf("Device ID:      %s\n", a.registry.DeviceID())
	return nil
}

func runDevices(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.registry == nil {
		return errors.New("no cloud container configured")
	}
	res, err := a.registry.Refresh(ctx, false)
	if err != nil {
		return fmt.Errorf("reading device registry: %w", err)
	}
	if !res.Existed {
		fmt.Println("No devices registered yet.")
		return nil
	}

	green := color.New(color.FgGreen)
	for _, id := range a.registry.Devices() {
		if id == a.registry.DeviceID() {
			fmt.Printf("%s %s\n", id, green.Sprint("(this device)"))
			continue
		}
		fmt.Println(id)
	}
	return nil
}

func runBackup(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	path, err := a.manager.Backup(ctx)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// parseValue reads numbers and booleans as such and anything else as text.
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[key] = parseValue(value)
	}
	return fields, nil
}

func runPut(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: dualstore put <entity> key=value...")
	}
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.openStore(ctx); err != nil {
		return err
	}

	s := a.manager.NewSession(nil)
	defer a.manager.ReleaseSession(s)
	rec := s.Create(args[0], fields)
	if err := s.Save(ctx); err != nil {
		return err
	}
	fmt.Println(rec.ID)
	return nil
}

func runList(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: dualstore list <entity> [key=value]...")
	}
	filters, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.openStore(ctx); err != nil {
		return err
	}

	q := engine.From(args[0])
	for key, value := range filters {
		q = q.Condition(key, value)
	}
	recs, err := a.manager.Session().Query(ctx, q)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, rec := range recs {
		keys := make([]string, 0, len(rec.Fields))
		for k := range rec.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		gray.Print(rec.ID)
		for _, k := range keys {
			fmt.Printf(" %s=%v", k, rec.Fields[k])
		}
		fmt.Println()
	}
	return nil
}
