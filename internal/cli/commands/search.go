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

	"github.com/spf13/cobra"

	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
	vers "github.com/fluid-notion-systems/claris-fuse/internal/version"
)

var searchCmd = &cobra.Command{
	Use:   "search <directory> <text>",
	Short: "Search version descriptions",
	Long: `Searches version descriptions with the full-text index and prints
matching versions, newest first.

Examples:
  claris-fuse search ./project "renamed"
  claris-fuse search ./project "restored" --limit 5`,
	Args: cobra.ExactArgs(2),
	RunE: runSearch,
}

var searchLimit int

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Show at most N matches (0 = default cap)")
}

func runSearch(cmd *cobra.Command, args []string) error {
	sourceDir, _, err := resolveTrackedPath(args[0])
	if err != nil {
		return err
	}

	store, err := storage.Open(sourceDir, true)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	svc := queryService(store)
	matches, err := svc.Search(cmd.Context(), args[1], vers.Query{Limit: searchLimit})
	if err != nil {
		return fmt.Errorf("search %q: %w", args[1], err)
	}
	if len(matches) == 0 {
		fmt.Printf("No versions matching %q\n", args[1])
		return nil
	}

	fmt.Printf("%d version(s) matching %q:\n", len(matches), args[1])
	for i := range matches {
		fmt.Printf("  %s:\n", matches[i].Path)
		printVersion(&matches[i], false)
	}
	return nil
}
