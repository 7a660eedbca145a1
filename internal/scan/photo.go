package scan

import (
	"path/filepath"
	"strings"
)

// photoExtensions are file extensions the pipeline treats as photos.
var photoExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif",
	".heic", ".heif", ".avif",
	// RAW formats
	".cr2", ".cr3", ".nef", ".arw", ".dng", ".orf", ".rw2", ".pef", ".srw", ".raf",
}

// IsPhotoFile checks if a file path has a photo extension.
func IsPhotoFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range photoExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
