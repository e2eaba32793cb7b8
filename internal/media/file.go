package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/toyota-m2k/boo-server/internal/pathutil"
)

// CategoryRoot is the category of files that sit directly in a source root.
const CategoryRoot = "ROOT"

// DurationProber derives the playback duration of a media file in seconds.
// Implemented by ffmpeg.Converter; tests substitute a stub.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// File describes one indexed media file. All paths are absolute and
// forward-slash-normalized. A File is built from a stat observation and,
// for mp4/mp3, an ffprobe duration; when the underlying file changes it
// is replaced, never mutated, so emitted values stay stable.
type File struct {
	Path     string  `json:"path"`
	Ext      string  `json:"ext"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	Length   int64   `json:"length"`
	Date     int64   `json:"date"`     // mtime, milliseconds since epoch
	Duration float64 `json:"duration"` // seconds; 0 unless mp4/mp3
}

// acceptable extensions, lowercase with dot
var acceptableExts = map[string]bool{
	".mp4":  true,
	".mp3":  true,
	".jpeg": true,
	".jpg":  true,
	".png":  true,
}

// AcceptableExt reports whether ext (any case, with dot) is one of the
// extensions the server indexes.
func AcceptableExt(ext string) bool {
	return acceptableExts[strings.ToLower(ext)]
}

// AcceptablePath reports whether the file at p has an acceptable extension.
func AcceptablePath(p string) bool {
	return AcceptableExt(filepath.Ext(p))
}

// NewFile stats path and builds a File relative to the source root.
// For .mp4/.mp3 the duration is derived through prober; a probe failure
// aborts construction so the caller can retry the file later.
func NewFile(ctx context.Context, path, root string, prober DurationProber) (*File, error) {
	path = pathutil.ToSlash(path)
	info, err := os.Stat(filepath.FromSlash(path))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	f := &File{
		Path:     path,
		Ext:      pathutil.Ext(path),
		Title:    pathutil.Title(path),
		Category: CategoryOf(path, root),
		Length:   info.Size(),
		Date:     info.ModTime().UnixMilli(),
	}

	if f.Ext == ".mp4" || f.Ext == ".mp3" {
		d, err := prober.Duration(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("probe duration %s: %w", path, err)
		}
		f.Duration = d
	}
	return f, nil
}

// CategoryOf returns "ROOT" when path sits directly in root, otherwise
// the root-relative slash path of its directory.
func CategoryOf(path, root string) string {
	dir := pathutil.Dir(path)
	return CategoryOfDir(dir, root)
}

// CategoryOfDir is CategoryOf for an already-computed directory.
func CategoryOfDir(dir, root string) string {
	rel, err := pathutil.Rel(root, dir)
	if err != nil || rel == "." || rel == "" {
		return CategoryRoot
	}
	return rel
}

// MediaType returns the one-letter media class: "v" for mp4, "a" for mp3,
// "p" for images, defaulting to "v".
func (f *File) MediaType() string {
	return MediaTypeOf(f.Ext)
}

// MediaTypeOf maps an extension to its media class letter.
func MediaTypeOf(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4":
		return "v"
	case ".mp3":
		return "a"
	case ".jpg", ".jpeg", ".png":
		return "p"
	default:
		return "v"
	}
}

// MIMEType returns the MIME type for the file's extension.
func (f *File) MIMEType() string {
	return MIMETypeOf(f.Ext)
}

// MIMETypeOf maps an extension to its MIME type, defaulting to video/mp4.
func MIMETypeOf(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "video/mp4"
	}
}
