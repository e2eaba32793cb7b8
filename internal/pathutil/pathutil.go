package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ToSlash returns the path with every separator normalized to "/".
// All paths stored or emitted by the server use this form, including
// on Windows.
func ToSlash(p string) string {
	return filepath.ToSlash(p)
}

// Rel returns the slash-normalized path of target relative to base.
// Returns an error if target cannot be made relative to base.
func Rel(base, target string) (string, error) {
	rel, err := filepath.Rel(filepath.FromSlash(base), filepath.FromSlash(target))
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Dir returns the slash-normalized parent directory of p.
func Dir(p string) string {
	return filepath.ToSlash(filepath.Dir(filepath.FromSlash(p)))
}

// Base returns the last element of p.
func Base(p string) string {
	return filepath.Base(filepath.FromSlash(p))
}

// Ext returns the lowercase extension of p including the dot,
// or "" if p has none.
func Ext(p string) string {
	return strings.ToLower(filepath.Ext(p))
}

// Title returns the filename of p without its extension.
func Title(p string) string {
	base := Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(filepath.FromSlash(dir), 0755)
}

// Join joins elements and normalizes the result to slash form.
func Join(elem ...string) string {
	return filepath.ToSlash(filepath.Join(elem...))
}
