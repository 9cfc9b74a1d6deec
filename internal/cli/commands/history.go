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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
	vers "github.com/fluid-notion-systems/claris-fuse/internal/version"
)

var historyCmd = &cobra.Command{
	Use:   "history <file-path>",
	Short: "List the recorded versions of a file",
	Long: `Lists the recorded versions of a file, newest first.

The file path must live inside an initialized directory; the store is
located by walking up from the file toward the filesystem root.

Examples:
  claris-fuse history ./project/main.go
  claris-fuse history ./project/main.go --limit 10 --verbose`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyLimit   int
	historyVerbose bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show at most N versions (0 = all)")
	historyCmd.Flags().BoolVarP(&historyVerbose, "verbose", "v", false, "Show hashes and metadata")
}

func runHistory(cmd *cobra.Command, args []string) error {
	sourceDir, relPath, err := resolveTrackedPath(args[0])
	if err != nil {
		return err
	}

	store, err := storage.Open(sourceDir, true)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	svc := queryService(store)
	versions, err := svc.History(cmd.Context(), relPath, vers.Query{Limit: historyLimit})
	if err != nil {
		return fmt.Errorf("history for %s: %w", relPath, err)
	}
	if len(versions) == 0 {
		fmt.Printf("No versions recorded for %s\n", relPath)
		return nil
	}

	fmt.Printf("History for %s (%d version(s)):\n", relPath, len(versions))
	for i := range versions {
		printVersion(&versions[i], historyVerbose)
	}
	return nil
}

func printVersion(v *vers.FileVersion, verbose bool) {
	ts := time.Unix(0, v.Timestamp).Format("2006-01-02 15:04:05")
	fmt.Printf("  v%-6d %s  %-8s %8d bytes", v.ID, ts, v.Op, v.Size)
	if v.Description != "" {
		fmt.Printf("  %s", v.Description)
	}
	fmt.Println()
	if verbose && v.ContentHash != "" {
		fmt.Printf("          hash %s\n", v.ContentHash)
	}
}

// queryService builds a read-only service over an open store. No host FS
// access and no filter; query operations use neither.
func queryService(store *storage.Store) *vers.Service {
	return vers.NewService(vers.NewSQLRepository(store, false), nil, nil, nil)
}

// resolveTrackedPath locates the initialized directory containing path by
// walking up until a claris-fuse.db is found, and returns that source
// directory together with the path relative to it.
func resolveTrackedPath(path string) (string, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve path: %w", err)
	}

	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, storage.DBFileName)); err == nil {
			rel, err := filepath.Rel(dir, abs)
			if err != nil {
				return "", "", err
			}
			if rel == "." {
				rel = ""
			}
			return dir, filepath.ToSlash(rel), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", fmt.Errorf("%s is not inside an initialized directory (no %s found); run 'claris-fuse init' first",
				strings.TrimSuffix(abs, "/"), storage.DBFileName)
		}
		dir = parent
	}
}
