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

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/config"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
)

// Exit codes for init, stable for scripting.
const (
	exitInitExists = 2
	exitInitIO     = 3
)

var initCmd = &cobra.Command{
	Use:   "init <directory>",
	Short: "Initialize version tracking for a directory",
	Long: `Initialize version tracking for a directory.

Creates an empty claris-fuse.db at the root of the directory. Similar to
'git init', this prepares the directory for mounting.

Exit codes:
  0  initialized
  2  already initialized
  3  I/O failure`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	absDir, err := filepath.Abs(args[0])
	if err != nil {
		return exitWith(exitInitIO, fmt.Errorf("failed to resolve path: %w", err))
	}

	info, err := os.Stat(absDir)
	if err != nil {
		return exitWith(exitInitIO, fmt.Errorf("cannot access %s: %w", absDir, err))
	}
	if !info.IsDir() {
		return exitWith(exitInitIO, fmt.Errorf("not a directory: %s", absDir))
	}

	cfg, err := config.Load(absDir)
	if err != nil {
		return exitWith(exitInitIO, err)
	}

	store, err := storage.Create(absDir, storage.Options{
		Dedup:    cfg.DedupEnabled(),
		Compress: cfg.CompressEnabled(),
	})
	if errors.Is(err, common.ErrExists) {
		fmt.Fprintf(os.Stderr, "already initialized: %s\n", filepath.Join(absDir, storage.DBFileName))
		return exitWith(exitInitExists, nil)
	}
	if err != nil {
		return exitWith(exitInitIO, fmt.Errorf("failed to initialize: %w", err))
	}
	defer store.Close()

	fmt.Printf("Initialized empty claris-fuse store in %s\n", store.Path())
	return nil
}

// exitWith prints the error, if any, and exits with the given code.
// cobra's RunE path would always exit 1 otherwise.
func exitWith(code int, err error) error {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
	return nil
}
