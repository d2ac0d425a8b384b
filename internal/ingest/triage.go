package ingest

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	heavyPDFBytes  = 2 << 20  // PDFs above this defer to the night window
	heavyFileBytes = 10 << 20 // anything above this defers
)

var heavyExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".ogg": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
}

var lightExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true,
	".png": true, ".jpg": true, ".jpeg": true,
	".pdf": true,
}

// Supported reports whether the pipeline knows how to extract the file.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return lightExtensions[ext] || heavyExtensions[ext]
}

// Heavy reports whether a file must wait for the night window: audio, video,
// large PDFs, or anything over the size cap.
func Heavy(path string, info os.FileInfo) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if heavyExtensions[ext] {
		return true
	}
	if info == nil {
		return false
	}
	if ext == ".pdf" && info.Size() > heavyPDFBytes {
		return true
	}
	return info.Size() > heavyFileBytes
}
