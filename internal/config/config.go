// Copyright 2025 Claris FUSE Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the optional claris-fuse.yaml file that sits next
// to the database at the root of the source directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up at the source directory root.
const FileName = "claris-fuse.yaml"

// Rename semantics for a path row when a rename version lands.
const (
	RenameSamePath = "same-path" // retitle the existing row in place
	RenameNewPath  = "new-path"  // the destination gets a fresh row
)

// Write-capture granularity for the passthrough filesystem.
const (
	CaptureCoalesce = "coalesce" // one Write opcode per released handle
	CaptureStream   = "stream"   // one Write opcode per write call
)

// QueueConfig bounds the opcode queue.
type QueueConfig struct {
	MaxOpcodes    int   `yaml:"max_opcodes"`
	MaxBytes      int64 `yaml:"max_bytes"`
	SendTimeoutMS int   `yaml:"send_timeout_ms"`
}

// StorageConfig selects content handling in the store.
type StorageConfig struct {
	// Dedup keys content rows by content hash so identical payloads
	// share one row. Persisted at init; cannot change afterwards.
	Dedup *bool `yaml:"dedup"`
	// Compress stores every content blob as a zstd frame.
	Compress *bool `yaml:"compress"`
}

// Config is the full claris-fuse.yaml document.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`

	// Rename is "same-path" or "new-path".
	Rename string `yaml:"rename"`

	// Capture is "coalesce" or "stream".
	Capture string `yaml:"capture"`

	// DrainGraceMS bounds the recorder's shutdown drain.
	DrainGraceMS int `yaml:"drain_grace_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	yes := true
	return &Config{
		Queue: QueueConfig{
			MaxOpcodes:    1024,
			MaxBytes:      64 << 20,
			SendTimeoutMS: 50,
		},
		Storage: StorageConfig{
			Dedup:    &yes,
			Compress: &yes,
		},
		Rename:       RenameSamePath,
		Capture:      CaptureCoalesce,
		DrainGraceMS: 5000,
	}
}

// Load reads claris-fuse.yaml from sourceDir, falling back to defaults
// for the file as a whole and for any omitted field.
func Load(sourceDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(sourceDir, FileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Rename != RenameSamePath && c.Rename != RenameNewPath {
		return fmt.Errorf("invalid rename mode %q", c.Rename)
	}
	if c.Capture != CaptureCoalesce && c.Capture != CaptureStream {
		return fmt.Errorf("invalid capture mode %q", c.Capture)
	}
	if c.Queue.MaxOpcodes < 0 || c.Queue.MaxBytes < 0 || c.Queue.SendTimeoutMS < 0 {
		return fmt.Errorf("queue limits must be non-negative")
	}
	return nil
}

// DedupEnabled returns the effective dedup flag.
func (c *Config) DedupEnabled() bool {
	return c.Storage.Dedup == nil || *c.Storage.Dedup
}

// CompressEnabled returns the effective compression flag.
func (c *Config) CompressEnabled() bool {
	return c.Storage.Compress == nil || *c.Storage.Compress
}
