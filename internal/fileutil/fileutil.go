// Package fileutil provides path normalization, file type detection and
// size/timeout validation shared by the pipeline stages and providers.
package fileutil

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"snapflow-backend/internal/constants"
)

var (
	unsafeChars    = regexp.MustCompile(`[^\w\-\s]`)
	collapseSpaces = regexp.MustCompile(`[\s_]+`)
)

// NormalizeDropboxPath converts a raw path into Dropbox path_lower format:
// forward slashes, single leading slash, no duplicate or trailing slashes,
// lowercase.
func NormalizeDropboxPath(path string) string {
	if path == "" {
		return path
	}

	normalized := strings.ReplaceAll(path, "\\", "/")

	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}

	if len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = normalized[:len(normalized)-1]
	}

	return strings.ToLower(normalized)
}

// ValidateDropboxPath reports whether path is already in path_lower format.
func ValidateDropboxPath(path string) bool {
	if path == "" {
		return false
	}
	return strings.HasPrefix(path, "/") &&
		!strings.Contains(path, "\\") &&
		path == strings.ToLower(path)
}

// SanitizeFilenamePrefix makes a user-supplied prefix filesystem-safe:
// unsafe characters become underscores, runs of whitespace/underscores
// collapse to one underscore, and the result is trimmed and capped at 50
// characters.
func SanitizeFilenamePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}

	sanitized := unsafeChars.ReplaceAllString(prefix, "_")
	sanitized = collapseSpaces.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_")

	if len(sanitized) > 50 {
		// Truncation can land on an underscore; trim again.
		sanitized = strings.Trim(sanitized[:50], "_")
	}
	return sanitized
}

// GetFileExtension returns the lowercase extension including the dot.
func GetFileExtension(filename string) string {
	if filename == "" {
		return ""
	}
	return strings.ToLower(filepath.Ext(filename))
}

// GetFileTypeInfo classifies a filename into one of the configured file
// categories. Unknown extensions fall back to OTHER.
func GetFileTypeInfo(filename string) (string, constants.FileTypeInfo) {
	ext := GetFileExtension(filename)

	for fileType, info := range constants.FileTypeConfig {
		for _, e := range info.Extensions {
			if ext == e {
				return fileType, info
			}
		}
	}

	return "OTHER", constants.FileTypeConfig["OTHER"]
}

// GetContentTypeForFile returns the MIME type for a filename, defaulting to
// application/octet-stream.
func GetContentTypeForFile(filename string) string {
	ext := strings.TrimPrefix(GetFileExtension(filename), ".")
	if ct, ok := constants.ContentTypeMapping[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ValidateFileSize checks the file size against the per-type limit. The
// returned error message is empty when the size is acceptable.
func ValidateFileSize(filename string, sizeBytes int64) (bool, string) {
	fileType, info := GetFileTypeInfo(filename)
	sizeMB := float64(sizeBytes) / (1024 * 1024)

	if sizeMB > float64(info.MaxSizeMB) {
		return false, fmt.Sprintf(
			"File too large: %s (%.1fMB > %dMB limit for %s)",
			filename, sizeMB, info.MaxSizeMB, fileType,
		)
	}
	return true, ""
}

// CalculateUploadTimeout derives an upload timeout in seconds from the file
// type multiplier, scaled further for files over 50MB and capped at 15
// minutes.
func CalculateUploadTimeout(filename string, sizeBytes int64, baseTimeout int) int {
	_, info := GetFileTypeInfo(filename)
	sizeMB := float64(sizeBytes) / (1024 * 1024)

	timeout := int(float64(baseTimeout) * info.TimeoutMultiplier)

	if sizeMB > 50 {
		timeout = int(float64(timeout) * (sizeMB / 50))
	}

	if timeout > constants.MaxUploadTimeoutSeconds {
		return constants.MaxUploadTimeoutSeconds
	}
	return timeout
}

// IsDJIFile detects DJI drone captures by the DJI_*.dng naming pattern.
func IsDJIFile(filename string) bool {
	if filename == "" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(filename), "DJI_") &&
		strings.HasSuffix(strings.ToLower(filename), ".dng")
}

// IsCR3File reports whether the file is a Canon CR3 (MP4 container).
func IsCR3File(filename string) bool {
	return GetFileExtension(filename) == ".cr3"
}

// IsRawFile reports whether the file is a traditional RAW format. CR3 is
// excluded since its MP4 container needs a full download to parse.
func IsRawFile(filename string) bool {
	ext := GetFileExtension(filename)
	if ext == ".cr3" {
		return false
	}
	for _, e := range constants.RawExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IsSupportedExtension reports whether the filename carries one of the
// accepted image extensions.
func IsSupportedExtension(filename string) bool {
	ext := GetFileExtension(filename)
	for _, e := range constants.SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
