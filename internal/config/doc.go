// Package config handles configuration loading for dualstore.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Empty fields get defaults; relative defaults live next to the config file.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DUALSTORE_CONFIG environment variable
//  2. ./dualstore.yaml (current directory)
//  3. ~/.config/dualstore/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	paths:
//	  container_dir: "${HOME}/CloudDrive/dualstore"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	cloud:
//	  existence_poll_interval: "2s"
//	registry:
//	  download_poll_interval: "200ms"
//
// # Configuration Sections
//
// Application identity (app.id namespaces every persisted setting):
//
//	app:
//	  id: "com.example.notes"
//	  store_name: "Notes"
//	  version: "1.4.0"
//	  device_label: "this laptop"
//
// Paths:
//
//	paths:
//	  documents_dir: "${HOME}/Library/Notes"
//	  container_dir: "${HOME}/CloudDrive/Notes"   # omit to run local-only
//	  backup_dir: "${HOME}/Library/Notes/Backups"
//	  settings_file: "${HOME}/Library/Notes/settings.toml"  # .db or .sqlite for SQLite
//
// Cloud account and existence check:
//
//	cloud:
//	  token_file: "${HOME}/CloudDrive/.identity"
//	  existence_poll_interval: "2s"
//	  existence_poll_attempts: 10
//
// Device registry:
//
//	registry:
//	  file_name: "KnownDevices.json"
//	  download_poll_interval: "200ms"
//
// Engine:
//
//	engine:
//	  driver: "sqlite"              # sqlite (pure Go), sqlite3 (cgo)
//	  merge_policy: "store_trumps"  # store_trumps, in_memory_trumps
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - app.id is present
//   - a token file is configured whenever a container is
//   - durations and poll attempts are not negative
//   - driver and merge policy values
//
// # Usage
//
//	cfg, err := config.Load("/etc/dualstore/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
