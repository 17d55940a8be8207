package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DirectorySource serves manifests from a local directory, typically a git
// checkout maintained by an external process. The commit identifier is a
// SHA-256 over the sorted tree, so an unchanged directory resolves to the
// same commit and the sync loop skips the cycle.
type DirectorySource struct {
	root string

	mu     sync.Mutex
	commit string
	files  []File
}

// NewDirectorySource creates a source rooted at dir.
func NewDirectorySource(dir string) (*DirectorySource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %q is not a directory", dir)
	}
	return &DirectorySource{root: dir}, nil
}

// Root returns the directory the source reads from.
func (s *DirectorySource) Root() string { return s.root }

// LatestCommit walks the tree and returns its content hash.
func (s *DirectorySource) LatestCommit(ctx context.Context) (string, error) {
	files, err := s.readTree(ctx)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\x00", f.Path, len(f.Content))
		h.Write(f.Content)
	}
	commit := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	s.commit = commit
	s.files = files
	s.mu.Unlock()

	return commit, nil
}

// Tree returns the files for a commit previously resolved by LatestCommit.
func (s *DirectorySource) Tree(_ context.Context, commit string) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if commit != s.commit {
		return nil, fmt.Errorf("unknown commit %q, resolve it with LatestCommit first", commit)
	}
	out := make([]File, len(s.files))
	copy(out, s.files)
	return out, nil
}

// readTree collects every manifest file under the root in path order.
// Hidden files and directories are skipped, matching git's usual ignore of
// .git and editor droppings.
func (s *DirectorySource) readTree(ctx context.Context) ([]File, error) {
	var files []File
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != s.root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !isManifest(name) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func isManifest(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
