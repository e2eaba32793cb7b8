package media

import (
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/toyota-m2k/boo-server/internal/pathutil"
)

// FileList is a snapshot of the root-relative slash paths of regular files
// under a root. Two lists are comparable regardless of their roots;
// equality is exact string equality on the relative path.
type FileList struct {
	root  string
	paths map[string]bool
}

// NewFileList walks root and captures every regular file, recursing into
// subdirectories when recursive is set.
func NewFileList(root string, recursive bool) (*FileList, error) {
	root = pathutil.ToSlash(root)
	l := &FileList{root: root, paths: make(map[string]bool)}

	err := filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && pathutil.ToSlash(p) != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := pathutil.Rel(root, pathutil.ToSlash(p))
		if err != nil {
			return err
		}
		l.paths[rel] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Root returns the slash-normalized root the list was captured from.
func (l *FileList) Root() string {
	return l.root
}

// Len returns the number of captured files.
func (l *FileList) Len() int {
	return len(l.paths)
}

// Remove drops the entry for absPath. Tolerant if absent or outside root.
func (l *FileList) Remove(absPath string) {
	rel, err := pathutil.Rel(l.root, pathutil.ToSlash(absPath))
	if err != nil {
		return
	}
	delete(l.paths, rel)
}

// Compare diffs l against other. onlyInSrc holds absolute paths (resolved
// against l's root) present only in l; onlyInDst holds absolute paths
// (resolved against other's root) present only in other. Both are sorted
// for deterministic processing order.
func (l *FileList) Compare(other *FileList) (onlyInSrc, onlyInDst []string) {
	for rel := range l.paths {
		if !other.paths[rel] {
			onlyInSrc = append(onlyInSrc, pathutil.Join(l.root, rel))
		}
	}
	for rel := range other.paths {
		if !l.paths[rel] {
			onlyInDst = append(onlyInDst, pathutil.Join(other.root, rel))
		}
	}
	sort.Strings(onlyInSrc)
	sort.Strings(onlyInDst)
	return onlyInSrc, onlyInDst
}
