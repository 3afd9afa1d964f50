// Package constants holds the shared configuration tables and API endpoints
// for the photo enhancement pipeline.
package constants

import "time"

const (
	SharedVersion = "1.2.0"
	PackageName   = "snapflow-core"
)

// FileTypeInfo describes size limits and timeout scaling for a file category.
type FileTypeInfo struct {
	Extensions        []string
	MaxSizeMB         int
	TimeoutMultiplier float64
	Description       string
}

// FileTypeConfig maps file categories to their handling rules.
var FileTypeConfig = map[string]FileTypeInfo{
	"RAW": {
		Extensions:        []string{".dng", ".raw", ".cr2", ".nef", ".arw", ".orf", ".rw2"},
		MaxSizeMB:         250,
		TimeoutMultiplier: 3.0,
		Description:       "Camera RAW files",
	},
	"CR3": {
		Extensions:        []string{".cr3"},
		MaxSizeMB:         250,
		TimeoutMultiplier: 3.0,
		Description:       "Canon CR3 RAW files (MP4 container)",
	},
	"TIFF": {
		Extensions:        []string{".tiff", ".tif"},
		MaxSizeMB:         300,
		TimeoutMultiplier: 2.5,
		Description:       "Uncompressed TIFF files",
	},
	"JPEG": {
		Extensions:        []string{".jpg", ".jpeg"},
		MaxSizeMB:         50,
		TimeoutMultiplier: 1.0,
		Description:       "JPEG compressed photos",
	},
	"PNG": {
		Extensions:        []string{".png"},
		MaxSizeMB:         100,
		TimeoutMultiplier: 1.5,
		Description:       "PNG lossless files",
	},
	"OTHER": {
		Extensions:        []string{".heic", ".webp", ".bmp", ".gif"},
		MaxSizeMB:         75,
		TimeoutMultiplier: 1.2,
		Description:       "Other image formats",
	},
}

// RawExtensions lists RAW formats eligible for header-only EXIF downloads.
var RawExtensions = []string{".arw", ".nef", ".cr2", ".cr3", ".dng", ".raw", ".orf", ".rw2"}

// SupportedExtensions lists every image extension the pipeline accepts.
var SupportedExtensions = []string{
	".jpg", ".jpeg",
	".dng", ".raw", ".cr2", ".cr3", ".nef", ".arw", ".orf", ".rw2",
	".tiff", ".tif",
	".png",
	".heic", ".webp", ".bmp", ".gif",
}

// RawHeaderSize is how many bytes of a RAW file are fetched for EXIF extraction.
const RawHeaderSize = 64 * 1024

// Bracketing configuration.
const (
	DefaultTimeDeltaSeconds = 2.0
	DJITimeDeltaSeconds     = 10.0
)

// ContentTypeMapping maps bare extensions to MIME types.
var ContentTypeMapping = map[string]string{
	"nef":  "image/x-nikon-nef",
	"dng":  "image/x-adobe-dng",
	"cr2":  "image/x-canon-cr2",
	"cr3":  "image/x-canon-cr3",
	"arw":  "image/x-sony-arw",
	"orf":  "image/x-olympus-orf",
	"rw2":  "image/x-panasonic-rw2",
	"raw":  "image/x-raw",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"png":  "image/png",
	"heic": "image/heic",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"gif":  "image/gif",
}

// Retry configuration.
const (
	MaxRetries              = 3
	RetryDelay              = 2 * time.Second
	FinalizeRetryDelay      = 180 * time.Second
	FinalizeMaxRetries      = 3
)

// Upload configuration.
const (
	BaseUploadTimeoutSeconds = 120
	MaxUploadTimeoutSeconds  = 900
	UploadChunkSize          = 8 * 1024 * 1024
)

// Provider identifiers.
const (
	StorageProviderDropbox     = "dropbox"
	StorageProviderGoogleDrive = "google_drive"

	EnhancementProviderFotello = "fotello"
	EnhancementProviderAutoHDR = "autohdr"
)

// Fotello API endpoints.
const (
	FotelloBaseURL            = "https://us-central1-real-estate-firebase-4109e.cloudfunctions.net"
	FotelloUploadEndpoint     = FotelloBaseURL + "/createUpload"
	FotelloEnhanceEndpoint    = FotelloBaseURL + "/createEnhance"
	FotelloGetEnhanceEndpoint = FotelloBaseURL + "/getEnhance"
)

// Dropbox API endpoints.
const (
	DropboxTokenURL   = "https://api.dropboxapi.com/oauth2/token"
	DropboxAPIURL     = "https://api.dropboxapi.com/2"
	DropboxContentURL = "https://content.dropboxapi.com/2"
)

// Google Drive / OAuth endpoints.
const (
	GoogleTokenURL       = "https://oauth2.googleapis.com/token"
	GoogleDriveAPIURL    = "https://www.googleapis.com/drive/v3"
	GoogleDriveUploadURL = "https://www.googleapis.com/upload/drive/v3"
)

// AutoHDR API endpoints.
const (
	AutoHDRBaseURL                  = "https://quantumreachadvertising.com/external-api"
	AutoHDRCreatePhotoshootEndpoint = AutoHDRBaseURL + "/v1/create-photoshoot-with-presigned-urls"
	AutoHDRFinalizeEndpoint         = AutoHDRBaseURL + "/v1/finalize-photoshoot-upload"
	AutoHDRProfileEndpoint          = AutoHDRBaseURL + "/v1/user/profile"
)
