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

package version

import (
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
)

// BillyFS adapts a billy filesystem to the FileSystemRepository
// capability set. Production mounts use osfs chrooted at the source
// directory, which also refuses traversal escapes; tests use memfs.
type BillyFS struct {
	fs billy.Filesystem
}

var _ FileSystemRepository = (*BillyFS)(nil)

// NewBillyFS wraps fs.
func NewBillyFS(fs billy.Filesystem) *BillyFS {
	return &BillyFS{fs: fs}
}

func (b *BillyFS) Stat(path string) (os.FileInfo, error) {
	return b.fs.Lstat(path)
}

func (b *BillyFS) ReadBytes(path string) ([]byte, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *BillyFS) Traverse(root string, fn func(path string, info os.FileInfo) error) error {
	if root == "" {
		root = "."
	}
	return util.Walk(b.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == "." || path == root {
			return nil
		}
		return fn(path, info)
	})
}

// WriteFunc writes bytes through the host filesystem. The service uses
// it for restore write-back; the passthrough layer never sees the write,
// so restores are recorded exactly once.
type WriteFunc func(path string, data []byte, mode os.FileMode) error

// HostWriter builds a WriteFunc over the same chrooted filesystem the
// repository reads from. Missing parent directories are recreated, so a
// file can be restored after its directory was deleted.
func HostWriter(fs billy.Filesystem) WriteFunc {
	return func(path string, data []byte, mode os.FileMode) error {
		if parent := common.ParentPath(path); parent != "" {
			if err := fs.MkdirAll(parent, 0o755); err != nil {
				return err
			}
		}
		return util.WriteFile(fs, path, data, mode)
	}
}
