// ABOUTME: Entry point for the dualstore command line tool
// ABOUTME: Chooses the storage backend, migrates documents, and reads or writes records

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/dualstore/internal/config"
)

// Version is set at build time.
var version = "dev"

const banner = `
     _             _      _
  __| |_   _  __ _| |___| |_ ___  _ __ ___
 / _' | | | |/ _' | / __| __/ _ \| '__/ _ \
| (_| | |_| | (_| | \__ \ || (_) | | |  __/
 \__,_|\__,_|\__,_|_|___/\__\___/|_|  \___|
`

// getConfigPath returns the path to the config file.
// Priority: DUALSTORE_CONFIG env var > ./dualstore.yaml > XDG_CONFIG_HOME/dualstore/config.yaml > ~/.config/dualstore/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DUALSTORE_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("dualstore.yaml"); err == nil {
		return "dualstore.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dualstore.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dualstore", "config.yaml")
}

func usage() {
	fmt.Println("Usage: dualstore <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  setup                          Choose storage, migrate if needed, and open the store")
	fmt.Println("  status                         Show the storage preference and where stores exist")
	fmt.Println("  devices                        List devices sharing the cloud container")
	fmt.Println("  backup                         Snapshot the active store into the backup directory")
	fmt.Println("  put <entity> key=value...      Create a record")
	fmt.Println("  list <entity> [key=value]...   List records, optionally filtered")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "setup":
		err = runSetup(ctx)
	case "status":
		err = runStatus(ctx)
	case "devices":
		err = runDevices(ctx)
	case "backup":
		err = runBackup(ctx)
	case "put":
		err = runPut(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level}
	}
	return slog.New(handler)
}

// colorHandler writes colorized log lines to stderr so command output on
// stdout stays clean.
type colorHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	logMu.Lock()
	defer logMu.Unlock()
	_, err := fmt.Fprint(color.Error, buf.String())
	return err
}

// logMu is shared by every derived handler so lines never interleave.
var logMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
