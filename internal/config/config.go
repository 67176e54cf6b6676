// Package config loads the optional YAML config file. Every field the file
// sets replaces the command-line flag or environment value; fields the file
// leaves unset keep the flag or environment value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration.
type File struct {
	Server   ServerConfig   `yaml:"server"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// ServerConfig is the bind address and auction timing.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Port            int           `yaml:"port"`
	AuctionDuration time.Duration `yaml:"auction_duration"`
	Workers         int           `yaml:"workers"`
}

// SnapshotConfig is the sidecar file and its archive.
type SnapshotConfig struct {
	Path          string `yaml:"path"`
	ArchiveDir    string `yaml:"archive_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &File{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
