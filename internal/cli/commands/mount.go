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
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fluid-notion-systems/claris-fuse/internal/config"
	"github.com/fluid-notion-systems/claris-fuse/internal/passthrough"
	"github.com/fluid-notion-systems/claris-fuse/internal/queue"
	"github.com/fluid-notion-systems/claris-fuse/internal/recorder"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
	vers "github.com/fluid-notion-systems/claris-fuse/internal/version"
)

var mountCmd = &cobra.Command{
	Use:   "mount <source-dir> <mountpoint>",
	Short: "Mount a tracked directory",
	Long: `Mounts the source directory at the mountpoint and records every
mutation performed through the mount as a version.

The source directory must have been initialized with 'claris-fuse init'.
The command blocks until the mount is interrupted (Ctrl-C) or unmounted
externally; versions queued at shutdown are drained before exit.

Examples:
  claris-fuse mount ./project ./project-mnt
  claris-fuse mount /data /mnt/data --read-only`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

var (
	mountReadOnly   bool
	mountAllowOther bool
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().BoolVar(&mountReadOnly, "read-only", false, "Mount read-only; nothing is recorded")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "Allow other users to access the mount")
}

func runMount(cmd *cobra.Command, args []string) error {
	absSource, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve source directory: %w", err)
	}
	absMountpoint, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("failed to resolve mountpoint: %w", err)
	}
	if absMountpoint == absSource {
		return fmt.Errorf("mountpoint must differ from the source directory")
	}

	cfg, err := config.Load(absSource)
	if err != nil {
		return err
	}

	store, err := storage.Open(absSource, mountReadOnly)
	if err != nil {
		return fmt.Errorf("failed to open store (run 'claris-fuse init %s' first?): %w", args[0], err)
	}
	defer store.Close()

	sessionID := uuid.NewString()
	if !mountReadOnly {
		if err := store.SetConfigValue(cmd.Context(), "last_mount_session", sessionID); err != nil {
			return err
		}
	}
	log.Infof("[mount] session %s source=%s mountpoint=%s", sessionID, absSource, absMountpoint)

	filter := passthrough.BuildPathFilter(absSource)
	hostFS := osfs.New(absSource)
	repo := vers.NewSQLRepository(store, cfg.Rename == config.RenameNewPath)
	svc := vers.NewService(repo, vers.NewBillyFS(hostFS), vers.HostWriter(hostFS), filter)

	q := queue.New(cfg.Queue.MaxOpcodes, cfg.Queue.MaxBytes)
	rec := recorder.New(q, svc, time.Duration(cfg.DrainGraceMS)*time.Millisecond)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	recorderDone := make(chan error, 1)
	go func() {
		recorderDone <- rec.Run(ctx)
	}()

	server, err := passthrough.Mount(passthrough.Options{
		SourceDir:   absSource,
		Mountpoint:  absMountpoint,
		Queue:       q,
		SendTimeout: time.Duration(cfg.Queue.SendTimeoutMS) * time.Millisecond,
		Capture:     cfg.Capture,
		Filter:      filter,
		ReadOnly:    mountReadOnly,
		AllowOther:  mountAllowOther,
	})
	if err != nil {
		cancel()
		<-recorderDone
		return err
	}

	if !mountReadOnly {
		if n, err := svc.Reconcile(ctx); err != nil {
			log.Warnf("[mount] reconciliation failed: %v", err)
		} else if n > 0 {
			log.Infof("[mount] reconciled %d file(s) changed while unmounted", n)
		}
	}

	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[mount] received %s, shutting down", sig)
	case <-serverDone:
		log.Info("[mount] filesystem unmounted externally")
	}

	// Stop the recorder first; it closes the queue and drains within the
	// grace period. The mount comes down only after the drain completes.
	cancel()
	if err := <-recorderDone; err != nil {
		log.Errorf("[mount] recorder stopped with error: %v", err)
	}

	select {
	case <-serverDone:
	default:
		if err := server.Unmount(); err != nil {
			log.Warnf("[mount] unmount failed (try 'fusermount -u %s'): %v", absMountpoint, err)
		}
		<-serverDone
	}

	stats := rec.Stats()
	log.Infof("[mount] session %s done: %d committed, %d failed, %d dropped",
		sessionID, stats.Committed, stats.Failed, stats.Dropped)
	return nil
}
