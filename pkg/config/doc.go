// Package config defines the daemon's on-disk configuration: worker
// descriptors, fleet member declarations, and daemon-level defaults.
//
// On first run the daemon writes a default-valued file and loads it back. An
// auxiliary services directory is scanned for per-worker descriptor files;
// entries that fail to parse are logged and skipped, never fatal. TLS
// materials for the fleet are auto-discovered from the standard install
// locations.
package config
