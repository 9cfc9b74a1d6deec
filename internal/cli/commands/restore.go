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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/fluid-notion-systems/claris-fuse/internal/passthrough"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
	vers "github.com/fluid-notion-systems/claris-fuse/internal/version"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <file-path> --version N",
	Short: "Restore a file to a recorded version",
	Long: `Restores a file to the content of a recorded version.

The restore itself is recorded as a new version, so it can be undone
with another restore. The target directory must not be mounted while
restoring; unmount first or the store lock will refuse the operation.

Examples:
  claris-fuse restore ./project/main.go --version 42
  claris-fuse restore ./project/main.go --version 42 --dry-run
  claris-fuse restore ./project/main.go --version 42 --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var (
	restoreVersionID int64
	restoreForce     bool
	restoreDryRun    bool
)

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().Int64Var(&restoreVersionID, "version", 0, "Version id to restore (required)")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Skip the confirmation prompt")
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "Validate and report without writing")
	restoreCmd.MarkFlagRequired("version")
}

func runRestore(cmd *cobra.Command, args []string) error {
	sourceDir, relPath, err := resolveTrackedPath(args[0])
	if err != nil {
		return err
	}
	if relPath == "" {
		return fmt.Errorf("restore target must be a file, not the source directory")
	}

	store, err := storage.Open(sourceDir, false)
	if err != nil {
		return fmt.Errorf("failed to open store (still mounted?): %w", err)
	}
	defer store.Close()

	hostFS := osfs.New(sourceDir)
	svc := vers.NewService(
		vers.NewSQLRepository(store, false),
		vers.NewBillyFS(hostFS),
		vers.HostWriter(hostFS),
		passthrough.BuildPathFilter(sourceDir),
	)

	mode := vers.RestorePromptHandledExternally
	switch {
	case restoreDryRun:
		mode = vers.RestoreDryRun
	case restoreForce:
		mode = vers.RestoreForce
	default:
		ok, err := confirm(fmt.Sprintf("Overwrite %s with version %d? [y/N] ", relPath, restoreVersionID))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	newID, err := svc.Restore(cmd.Context(), relPath, restoreVersionID, mode)
	if err != nil {
		return fmt.Errorf("restore %s to version %d: %w", relPath, restoreVersionID, err)
	}

	if restoreDryRun {
		fmt.Printf("Dry run: %s restorable to version %d, nothing written\n", relPath, restoreVersionID)
		return nil
	}
	fmt.Printf("Restored %s to version %d (recorded as version %d)\n", relPath, restoreVersionID, newID)
	return nil
}

func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
