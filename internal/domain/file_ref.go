package domain

import (
	"path"
	"strings"
)

type FileRef struct {
	Index          int    `json:"index"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// Name returns the last path element.
func (f FileRef) Name() string {
	if f.Path == "" {
		return ""
	}
	return path.Base(strings.ReplaceAll(f.Path, "\\", "/"))
}

var mediaExtensions = map[string]struct{}{
	".mkv":  {},
	".mp4":  {},
	".m4v":  {},
	".webm": {},
	".avi":  {},
	".mov":  {},
	".ts":   {},
	".m2ts": {},
}

// IsMedia reports whether the file has a recognized video container extension.
func (f FileRef) IsMedia() bool {
	_, ok := mediaExtensions[strings.ToLower(path.Ext(f.Name()))]
	return ok
}

// MediaFiles filters files down to recognized media containers, preserving
// the engine file index of each entry.
func MediaFiles(files []FileRef) []FileRef {
	out := make([]FileRef, 0, len(files))
	for _, f := range files {
		if f.IsMedia() {
			out = append(out, f)
		}
	}
	return out
}
