package enhancement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/fileutil"
)

// FotelloProvider drives the Fotello presigned-URL workflow:
// createUpload for a presigned URL, PUT the bytes, createEnhance with the
// upload ids, then poll getEnhance until a terminal status.
type FotelloProvider struct {
	BaseURL string

	apiKey     string
	httpClient *http.Client
}

// NewFotelloProvider creates a provider. The API key is validated on first
// request; Fotello has no separate auth endpoint.
func NewFotelloProvider(apiKey string) *FotelloProvider {
	return &FotelloProvider{
		BaseURL:    constants.FotelloBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (p *FotelloProvider) postJSON(endpoint string, payload any, timeout time.Duration, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", p.apiKey)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("Fotello API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// UploadImage requests a presigned URL and PUTs the file bytes to it.
// Returns the upload id to reference in RequestEnhancement.
func (p *FotelloProvider) UploadImage(filename string, data []byte, contentType string) (string, error) {
	sizeMB := float64(len(data)) / (1024 * 1024)
	fileType, _ := fileutil.GetFileTypeInfo(filename)
	timeout := time.Duration(fileutil.CalculateUploadTimeout(
		filename, int64(len(data)), constants.BaseUploadTimeoutSeconds)) * time.Second

	log.Printf("Uploading %s (%.1fMB, type: %s)", filename, sizeMB, fileType)

	var presigned struct {
		URL string `json:"url"`
		ID  string `json:"id"`
	}
	if err := p.postJSON("/createUpload", map[string]string{"filename": filename}, 30*time.Second, &presigned); err != nil {
		return "", fmt.Errorf("failed to get presigned URL for %s: %w", filename, err)
	}
	if presigned.URL == "" || presigned.ID == "" {
		return "", fmt.Errorf("invalid presigned response for %s", filename)
	}

	// Fotello presigned URLs expect application/octet-stream regardless of
	// the actual image type.
	req, err := http.NewRequest(http.MethodPut, presigned.URL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed for %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusForbidden {
			log.Printf("403 Forbidden for %s - possible Content-Type mismatch", filename)
		}
		return "", fmt.Errorf("upload failed for %s: HTTP %d - %s", filename, resp.StatusCode, string(respBody))
	}

	log.Printf("Successfully uploaded %s (%.1fMB)", filename, sizeMB)
	return presigned.ID, nil
}

// RequestEnhancement submits the uploaded bracket for enhancement.
func (p *FotelloProvider) RequestEnhancement(uploadIDs []string, listingID string, opts EnhanceOptions) (string, error) {
	shotType := opts.ShotType
	if shotType == "" {
		shotType = "interior"
	}

	payload := map[string]any{
		"upload_ids": uploadIDs,
		"listing_id": listingID,
		"shot_type":  shotType,
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := p.postJSON("/createEnhance", payload, 60*time.Second, &result); err != nil {
		return "", fmt.Errorf("enhancement request failed: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("no enhancement ID in response")
	}

	log.Printf("Enhancement requested: %s", result.ID)
	return result.ID, nil
}

// CheckStatus polls getEnhance and normalizes the response.
func (p *FotelloProvider) CheckStatus(enhancementID string) (*StatusResult, error) {
	req, err := http.NewRequest(http.MethodGet, p.BaseURL+"/getEnhance?id="+enhancementID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status check failed for %s: %w", enhancementID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status check failed for %s: HTTP %d - %s", enhancementID, resp.StatusCode, string(body))
	}

	var raw struct {
		Status           string `json:"status"`
		EnhancedImageURL string `json:"enhanced_image_url"`
		URLExpires       string `json:"enhanced_image_url_expires"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	status := raw.Status
	if status == "" {
		status = StatusUnknown
	}
	log.Printf("Enhancement %s status: %s", enhancementID, status)

	result := &StatusResult{Status: status, EnhancementID: enhancementID}
	switch status {
	case StatusCompleted:
		result.EnhancedImageURL = raw.EnhancedImageURL
		result.URLExpires = raw.URLExpires
	case StatusFailed:
		result.Error = raw.Error
		if result.Error == "" {
			result.Error = "Enhancement failed"
		}
	}
	return result, nil
}

// GetResultURL resolves the enhanced image URL for a completed ticket.
func (p *FotelloProvider) GetResultURL(enhancementID string) (string, error) {
	status, err := p.CheckStatus(enhancementID)
	if err != nil {
		return "", err
	}
	if status.Status != StatusCompleted {
		return "", fmt.Errorf("enhancement %s not completed (status: %s)", enhancementID, status.Status)
	}
	return status.EnhancedImageURL, nil
}

// UploadBracket uploads every member then submits the enhancement. A
// per-file upload failure is skipped; the bracket fails only when no file
// made it through.
func (p *FotelloProvider) UploadBracket(files []BracketUpload, bracketIndex int, listingID string, opts EnhanceOptions) (*BracketResult, error) {
	var uploadIDs []string

	for i := range files {
		if len(files[i].Bytes) == 0 {
			log.Printf("Skipping %s - no data", files[i].Name)
			continue
		}

		uploadID, err := p.UploadImage(files[i].Name, files[i].Bytes, "")
		files[i].Bytes = nil
		if err != nil {
			log.Printf("Failed to upload %s: %v", files[i].Name, err)
			continue
		}
		uploadIDs = append(uploadIDs, uploadID)
	}

	if len(uploadIDs) == 0 {
		return nil, fmt.Errorf("no files uploaded successfully for bracket %d", bracketIndex+1)
	}

	enhancementID, err := p.RequestEnhancement(uploadIDs, listingID, opts)
	if err != nil {
		return nil, err
	}

	return &BracketResult{
		EnhancementID: enhancementID,
		UploadIDs:     uploadIDs,
		FileCount:     len(uploadIDs),
		BracketIndex:  bracketIndex,
	}, nil
}

func (p *FotelloProvider) ProviderType() string { return constants.EnhancementProviderFotello }

func (p *FotelloProvider) ProviderName() string { return "Fotello" }

// IsConnected is true once the client holds an API key; Fotello validates
// keys per request.
func (p *FotelloProvider) IsConnected() bool { return p.apiKey != "" }
