// Package source abstracts where desired state comes from. A Source hands
// the sync loop an immutable commit identifier plus the manifest tree at
// that commit; the loop compares commit identifiers to decide whether a
// reconciliation cycle is needed.
package source

import (
	"context"
)

// File is one manifest file within a source tree.
type File struct {
	// Path is the slash-separated path relative to the tree root.
	Path string

	// Content is the raw file content.
	Content []byte
}

// Source provides versioned desired-state trees. Implementations must
// return stable commit identifiers: the same tree content yields the same
// commit, and Tree for a given commit always returns the same files.
type Source interface {
	// LatestCommit resolves the current head of the source.
	LatestCommit(ctx context.Context) (string, error)

	// Tree returns the manifest files at the given commit, sorted by path.
	Tree(ctx context.Context, commit string) ([]File, error)
}
