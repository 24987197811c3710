package jobs

import (
	"path/filepath"
	"strings"
	"time"
)

var invalidNameChars = strings.NewReplacer(
	`\`, "_", "/", "_", "*", "_", "?", "_", ":", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// videoContainers are the extensions kept as-is on output names
var videoContainers = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
}

// SanitizeFileName replaces characters that are invalid in file names and
// makes sure the name ends in a video container extension.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(invalidNameChars.Replace(name))
	if !videoContainers[strings.ToLower(filepath.Ext(name))] {
		name += ".mp4"
	}
	return name
}

// ResolveFileName expands {folder_name} and {date} in format and sanitizes
// the result.
func ResolveFileName(format, folderName string, now time.Time) (string, error) {
	var b strings.Builder
	rest := format
	for rest != "" {
		open := strings.IndexAny(rest, "{}")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		if rest[open] == '}' {
			return "", validationErrorf("malformed filename template %q: unexpected '}'", format)
		}
		b.WriteString(rest[:open])

		end := strings.IndexAny(rest[open+1:], "{}")
		if end < 0 || rest[open+1+end] != '}' {
			return "", validationErrorf("malformed filename template %q: unclosed '{'", format)
		}
		token := rest[open+1 : open+1+end]
		switch token {
		case "folder_name":
			b.WriteString(folderName)
		case "date":
			b.WriteString(now.Format("2006-01-02"))
		default:
			return "", validationErrorf("malformed filename template %q: unknown token {%s}", format, token)
		}
		rest = rest[open+2+end:]
	}
	return SanitizeFileName(b.String()), nil
}
