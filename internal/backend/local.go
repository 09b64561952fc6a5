// ABOUTME: Local backend storing the store file in the documents directory
// ABOUTME: Always available; stores use WAL journaling

package backend

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389/dualstore/internal/engine"
)

// Local keeps the store at <dir>/<name>.sqlite.
type Local struct {
	name   string
	dir    string
	logger *slog.Logger
}

// NewLocal creates a local backend.
func NewLocal(name, dir string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		name:   name,
		dir:    dir,
		logger: logger.With("component", "backend", "backend", "local"),
	}
}

func (l *Local) Name() string { return l.name }

func (l *Local) Kind() Kind { return KindLocal }

func (l *Local) IsAvailable() bool { return true }

func (l *Local) StorePath() (string, error) {
	return filepath.Join(l.dir, l.name+".sqlite"), nil
}

func (l *Local) StoreExists(ctx context.Context) bool {
	path, _ := l.StorePath()
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (l *Local) request(mode engine.AttachMode) engine.AttachRequest {
	path, _ := l.StorePath()
	return engine.AttachRequest{
		Backend:     KindLocal.String(),
		Path:        path,
		Mode:        mode,
		JournalMode: engine.JournalWAL,
	}
}

func (l *Local) Attach(ctx context.Context, c *engine.Coordinator, mode engine.AttachMode) (*engine.Store, error) {
	return c.Attach(ctx, l.request(mode))
}

func (l *Local) MigrateInto(ctx context.Context, source *engine.Store, c *engine.Coordinator) (*engine.Store, error) {
	return c.MigrateInto(ctx, source, l.request(engine.AttachCreate))
}

func (l *Local) Delete(ctx context.Context) <-chan error {
	path, err := l.StorePath()
	l.logger.Info("deleting store", "path", path)
	return deleteStore(path, err)
}

func (l *Local) Backup(ctx context.Context, c *engine.Coordinator, dir string) (string, error) {
	return backupStore(ctx, l, c, dir)
}
