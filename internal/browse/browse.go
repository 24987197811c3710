package browse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gwlsn/foldermerge/internal/media"
)

// Summary describes the mergeable content of a folder
type Summary struct {
	Path      string `json:"path"`
	Images    int    `json:"images"`
	Videos    int    `json:"videos"`
	TotalSize int64  `json:"total_size"` // Total size of media files
}

// Empty reports whether the folder has nothing to merge
func (s Summary) Empty() bool {
	return s.Images == 0 && s.Videos == 0
}

// DiscoverMediaFiles returns the image and video files directly inside root,
// skipping hidden files and anything listed in exclude. Paths are absolute,
// de-duplicated and sorted for deterministic ordering.
func DiscoverMediaFiles(root string, exclude ...string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = filepath.Clean(root)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absRoot)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		if abs, err := filepath.Abs(p); err == nil {
			skip[abs] = struct{}{}
		}
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(entries))
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		// Skip hidden files
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		filePath := filepath.Join(absRoot, e.Name())
		if media.KindOf(filePath) == media.KindUnknown {
			continue
		}
		if _, excluded := skip[filePath]; excluded {
			continue
		}
		if _, dup := seen[filePath]; dup {
			continue
		}
		seen[filePath] = struct{}{}
		paths = append(paths, filePath)
	}

	sort.Strings(paths)
	return paths, nil
}

// Summarize counts the media files directly inside dir
func Summarize(dir string) (Summary, error) {
	paths, err := DiscoverMediaFiles(dir)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Path: dir}
	if abs, err := filepath.Abs(dir); err == nil {
		summary.Path = abs
	}
	for _, p := range paths {
		switch media.KindOf(p) {
		case media.KindImage:
			summary.Images++
		case media.KindVideo:
			summary.Videos++
		}
		if info, err := os.Stat(p); err == nil {
			summary.TotalSize += info.Size()
		}
	}
	return summary, nil
}

// Subfolders returns the non-hidden child directories of root that contain
// at least one media file, sorted by name.
func Subfolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		summary, err := Summarize(dir)
		if err != nil || summary.Empty() {
			continue
		}
		dirs = append(dirs, summary.Path)
	}
	sort.Strings(dirs)
	return dirs, nil
}
