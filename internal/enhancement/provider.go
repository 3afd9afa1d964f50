// Package enhancement provides the photo enhancement provider abstraction
// and the Fotello and AutoHDR implementations.
package enhancement

import (
	"fmt"
	"strings"

	"snapflow-backend/internal/constants"
)

// Enhancement status values as they travel through stage payloads.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusWebhookBased = "webhook_based"
	StatusUnknown      = "unknown"
)

// StatusResult is the normalized answer to a status check.
type StatusResult struct {
	Status           string `json:"status"`
	EnhancementID    string `json:"enhancement_id"`
	EnhancedImageURL string `json:"enhanced_image_url,omitempty"`
	URLExpires       string `json:"enhanced_image_url_expires,omitempty"`
	Error            string `json:"error,omitempty"`
	Message          string `json:"message,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// BracketUpload is one bracket member handed to UploadBracket. Bytes is
// released by the provider once the file is on the wire.
type BracketUpload struct {
	Name  string
	Bytes []byte
}

// BracketResult reports an UploadBracket outcome.
type BracketResult struct {
	EnhancementID string   `json:"enhancement_id"`
	UploadIDs     []string `json:"upload_ids,omitempty"`
	FileCount     int      `json:"file_count"`
	BracketIndex  int      `json:"bracket_index"`
}

// EnhanceOptions carries the per-bracket enhancement settings.
type EnhanceOptions struct {
	ShotType    string
	Address     string
	Twilight    bool
	CallbackURL string
}

// Provider is the enhancement backend contract.
type Provider interface {
	// UploadImage pushes a single image and returns its upload id.
	UploadImage(filename string, data []byte, contentType string) (string, error)
	// RequestEnhancement submits uploaded images for processing and
	// returns the ticket (enhancement id) to track.
	RequestEnhancement(uploadIDs []string, listingID string, opts EnhanceOptions) (string, error)
	// CheckStatus polls the ticket.
	CheckStatus(enhancementID string) (*StatusResult, error)
	// GetResultURL resolves the enhanced image URL, empty when the
	// provider delivers results by webhook instead.
	GetResultURL(enhancementID string) (string, error)
	// UploadBracket runs the full upload-and-enhance flow for one bracket.
	UploadBracket(files []BracketUpload, bracketIndex int, listingID string, opts EnhanceOptions) (*BracketResult, error)
	ProviderType() string
	ProviderName() string
	IsConnected() bool
}

// Create instantiates a provider of the given type. AutoHDR additionally
// requires the account email.
func Create(providerType, apiKey, email string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))

	if apiKey == "" {
		return nil, fmt.Errorf("API key required for %s provider", providerType)
	}

	switch providerType {
	case constants.EnhancementProviderFotello:
		return NewFotelloProvider(apiKey), nil
	case constants.EnhancementProviderAutoHDR:
		if email == "" {
			return nil, fmt.Errorf("AutoHDR provider requires 'email' parameter")
		}
		provider := NewAutoHDRProvider(apiKey, email)
		if err := provider.Connect(); err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf(
			"unknown enhancement provider: '%s' (supported: %s, %s)",
			providerType, constants.EnhancementProviderFotello, constants.EnhancementProviderAutoHDR,
		)
	}
}

// DetectProviderType infers the enhancement provider from a decrypted
// payload. Fotello is the backward-compatible default.
func DetectProviderType(data map[string]any) string {
	if s, ok := data["enhancement_provider"].(string); ok && s != "" {
		return strings.ToLower(strings.TrimSpace(s))
	}
	if _, ok := data["fotello_api_key"]; ok {
		return constants.EnhancementProviderFotello
	}
	if _, ok := data["autohdr_api_key"]; ok {
		return constants.EnhancementProviderAutoHDR
	}
	return constants.EnhancementProviderFotello
}

// CreateFromPayload extracts the API key and email from a decrypted stage
// payload (legacy flat fields or nested enhancement_credentials bundle) and
// instantiates the provider.
func CreateFromPayload(data map[string]any, providerType string) (Provider, error) {
	if providerType == "" {
		providerType = DetectProviderType(data)
	}

	apiKey := ""
	email := ""

	if nested, ok := data["enhancement_credentials"].(map[string]any); ok {
		if s, ok := nested["api_key"].(string); ok {
			apiKey = s
		}
		if s, ok := nested["email"].(string); ok {
			email = s
		}
	} else {
		switch providerType {
		case constants.EnhancementProviderFotello:
			apiKey, _ = data["fotello_api_key"].(string)
		case constants.EnhancementProviderAutoHDR:
			apiKey, _ = data["autohdr_api_key"].(string)
			email, _ = data["autohdr_email"].(string)
		}
	}

	return Create(providerType, apiKey, email)
}
