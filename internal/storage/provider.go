// Package storage provides the storage provider abstraction and the Dropbox
// and Google Drive implementations used by the pipeline stages.
package storage

import (
	"fmt"
	"strings"

	"snapflow-backend/internal/constants"
)

// FileInfo describes a stored file in a provider-neutral shape. Dropbox
// addresses files by path_lower; Google Drive by file ID, with PathID
// mirroring ID and PathLower carrying the lowercase name for compatibility.
type FileInfo struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	PathLower    string `json:"path_lower"`
	PathID       string `json:"path_id,omitempty"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType,omitempty"`
	CreatedTime  string `json:"createdTime,omitempty"`
	ModifiedTime string `json:"modifiedTime,omitempty"`
}

// UserInfo describes the authenticated account.
type UserInfo struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AccountType string `json:"account_type"`
	NamespaceID string `json:"namespace_id,omitempty"`
}

// ListOptions controls ListFiles filtering.
type ListOptions struct {
	Extensions []string
	Recursive  bool
	MaxFiles   int
}

// UploadResult reports what an upload produced.
type UploadResult struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Action string `json:"action"`
	Size   int64  `json:"size"`
}

// Provider is the storage backend contract. Connect must be called before
// any other operation.
type Provider interface {
	Connect(credentials map[string]any) error
	ListFiles(folder string, opts ListOptions) ([]FileInfo, error)
	DownloadFile(path string) ([]byte, error)
	// DownloadFilePartial fetches the byte range [start, end). end <= 0
	// means to the end of the file.
	DownloadFilePartial(path string, start, end int64) ([]byte, error)
	UploadFile(remotePath string, content []byte, overwrite bool) (*UploadResult, error)
	FileExists(path string) bool
	CreateFolder(folderPath string) error
	GetUserInfo() UserInfo
	ProviderType() string
	ProviderName() string
	IsConnected() bool
	ValidatePath(path string) bool
}

// Create instantiates and connects a provider of the given type.
func Create(providerType string, credentials map[string]any) (Provider, error) {
	var provider Provider

	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case constants.StorageProviderDropbox:
		provider = NewDropboxProvider()
	case constants.StorageProviderGoogleDrive:
		provider = NewGoogleDriveProvider()
	default:
		return nil, fmt.Errorf(
			"unknown storage provider: '%s' (supported: %s, %s)",
			providerType, constants.StorageProviderDropbox, constants.StorageProviderGoogleDrive,
		)
	}

	if err := provider.Connect(credentials); err != nil {
		return nil, err
	}
	return provider, nil
}

// DetectProviderType infers the storage provider from a decrypted payload.
func DetectProviderType(data map[string]any) (string, error) {
	if hasField(data, "storage_provider") {
		if s, ok := data["storage_provider"].(string); ok && s != "" {
			return strings.ToLower(strings.TrimSpace(s)), nil
		}
	}
	if hasField(data, "dropbox_refresh_token") || hasField(data, "dropbox_refresh_token_encrypted") {
		return constants.StorageProviderDropbox, nil
	}
	if hasField(data, "google_drive_refresh_token") || hasField(data, "google_drive_refresh_token_encrypted") {
		return constants.StorageProviderGoogleDrive, nil
	}
	return "", fmt.Errorf("cannot detect storage provider from credentials")
}

// CreateFromPayload builds the provider credential map from a decrypted
// stage payload, supporting both the flat legacy fields and the nested
// storage_credentials bundle, then connects.
func CreateFromPayload(data map[string]any, providerType string) (Provider, error) {
	if providerType == "" {
		detected, err := DetectProviderType(data)
		if err != nil {
			return nil, err
		}
		providerType = detected
	}

	credentials := map[string]any{}
	if nested, ok := data["storage_credentials"].(map[string]any); ok {
		for k, v := range nested {
			credentials[k] = v
		}
	} else {
		switch providerType {
		case constants.StorageProviderDropbox:
			credentials["refresh_token"] = data["dropbox_refresh_token"]
			credentials["app_key"] = data["dropbox_app_key"]
			credentials["app_secret"] = data["dropbox_app_secret"]
			credentials["member_id"] = data["dropbox_team_member_id"]
		case constants.StorageProviderGoogleDrive:
			credentials["client_id"] = data["google_drive_client_id"]
			credentials["client_secret"] = data["google_drive_client_secret"]
			credentials["refresh_token"] = data["google_drive_refresh_token"]
		}
	}

	return Create(providerType, credentials)
}

func hasField(data map[string]any, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	s, isString := v.(string)
	return !isString || s != ""
}

func credentialString(credentials map[string]any, key string) string {
	if v, ok := credentials[key].(string); ok {
		return v
	}
	return ""
}

func matchesExtensions(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
