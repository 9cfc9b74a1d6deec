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

package passthrough

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"github.com/fluid-notion-systems/claris-fuse/internal/config"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
	"github.com/fluid-notion-systems/claris-fuse/internal/version"
)

// IgnoreFileName holds user-defined exclusion patterns at the source
// directory root, gitignore syntax.
const IgnoreFileName = ".clarisignore"

// storeArtifacts are always excluded from versioning, whatever the
// ignore file says. The store must never record its own writes.
var storeArtifacts = []string{
	storage.DBFileName,
	storage.DBFileName + "-wal",
	storage.DBFileName + "-shm",
	storage.LockFileName,
	config.FileName,
	IgnoreFileName,
}

// BuildPathFilter creates the filter applied to every opcode and to
// reconciliation scans:
//  1. Always excludes the store's own artifacts (hardcoded).
//  2. Applies the root .clarisignore, if present.
func BuildPathFilter(sourceDir string) version.PathFilter {
	var matcher *ignore.GitIgnore
	ignorePath := filepath.Join(sourceDir, IgnoreFileName)
	if _, err := os.Stat(ignorePath); err == nil {
		matcher, err = ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			log.Warnf("[fuse] failed to compile %s: %v", IgnoreFileName, err)
		}
	}

	return func(relPath string, isDir bool) bool {
		for _, artifact := range storeArtifacts {
			if relPath == artifact || strings.HasPrefix(relPath, artifact+"/") {
				return false
			}
		}

		if matcher != nil {
			checkPath := relPath
			if isDir {
				checkPath = relPath + "/"
			}
			if matcher.MatchesPath(checkPath) {
				return false
			}
		}

		return true
	}
}
