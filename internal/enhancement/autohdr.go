package enhancement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/fileutil"
)

// AutoHDRProvider drives the AutoHDR presigned-S3 workflow: create a
// photoshoot to receive presigned URLs, PUT each file to S3, then finalize
// the photoshoot to trigger processing. Results are delivered by webhook
// rather than polling.
type AutoHDRProvider struct {
	BaseURL string

	apiKey     string
	email      string
	httpClient *http.Client
	connected  bool
}

// NewAutoHDRProvider creates a provider. Call Connect to validate the key
// against the profile endpoint. AUTOHDR_BASE_URL overrides the production
// endpoint.
func NewAutoHDRProvider(apiKey, email string) *AutoHDRProvider {
	baseURL := os.Getenv("AUTOHDR_BASE_URL")
	if baseURL == "" {
		baseURL = constants.AutoHDRBaseURL
	}
	return &AutoHDRProvider{
		BaseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		email:      email,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect validates the API key against the user profile endpoint. A 404
// means the endpoint is unavailable and the key will be validated on first
// real request.
func (p *AutoHDRProvider) Connect() error {
	log.Printf("Validating AutoHDR API key...")

	req, err := http.NewRequest(http.MethodGet, p.BaseURL+"/v1/user/profile", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("AutoHDR connection error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		detail := "Invalid or inactive API key"
		var errResp struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Detail != "" {
			detail = errResp.Detail
		}
		return fmt.Errorf("AutoHDR authentication failed: %s", detail)
	case resp.StatusCode == http.StatusNotFound:
		log.Printf("AutoHDR profile endpoint not available, will validate on first request")
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("AutoHDR API error: %d", resp.StatusCode)
	}

	log.Printf("AutoHDR API key validated")
	p.connected = true
	return nil
}

func (p *AutoHDRProvider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (p *AutoHDRProvider) postJSON(endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("AutoHDR API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// BatchResult reports an UploadBatch outcome.
type BatchResult struct {
	Success           bool     `json:"success"`
	ListingID         string   `json:"listing_id"`
	UniqueIdentifier  string   `json:"unique_identifier"`
	TotalFiles        int      `json:"total_files"`
	SuccessfulUploads int      `json:"successful_uploads"`
	FailedUploads     int      `json:"failed_uploads"`
	FailedFiles       []string `json:"failed_files,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// UploadBatch runs the full photoshoot flow for a set of images: request
// presigned URLs, PUT each file to S3 with its guessed MIME type, then
// finalize to trigger processing.
func (p *AutoHDRProvider) UploadBatch(files []BracketUpload, uniqueIdentifier, address string, twilight bool, statusCallbackURL string) (*BatchResult, error) {
	if p.email == "" {
		return nil, fmt.Errorf("AutoHDR email required for uploads")
	}

	log.Printf("Requesting presigned URLs for %d files...", len(files))

	fileList := make([]map[string]string, len(files))
	for i, f := range files {
		fileList[i] = map[string]string{"filename": f.Name}
	}

	callbackURL := statusCallbackURL
	if callbackURL == "" {
		callbackURL = "https://example.com/webhook"
	}

	request := map[string]any{
		"email":               p.email,
		"unique_identifier":   uniqueIdentifier,
		"files":               fileList,
		"address":             address,
		"twilight":            twilight,
		"upload_callback_url": callbackURL,
		"status_callback_url": callbackURL,
	}

	var presigned struct {
		ID            string   `json:"id"`
		UploadedFiles []string `json:"uploaded_files"`
	}
	if err := p.postJSON("/v1/create-photoshoot-with-presigned-urls", request, &presigned); err != nil {
		return nil, fmt.Errorf("presigned URL request failed: %w", err)
	}
	if len(presigned.UploadedFiles) != len(files) {
		return nil, fmt.Errorf("URL count mismatch: got %d, expected %d",
			len(presigned.UploadedFiles), len(files))
	}

	log.Printf("Received %d presigned URLs (listing_id: %s)", len(presigned.UploadedFiles), presigned.ID)

	var failedFiles []string
	successful := 0

	for i := range files {
		if err := p.uploadToS3(presigned.UploadedFiles[i], files[i].Name, files[i].Bytes); err != nil {
			log.Printf("S3 upload failed for %s: %v", files[i].Name, err)
			failedFiles = append(failedFiles, files[i].Name)
		} else {
			successful++
		}
		files[i].Bytes = nil
	}

	if err := p.FinalizePhotoshoot(uniqueIdentifier); err != nil {
		log.Printf("Finalize failed for %s: %v", uniqueIdentifier, err)
	}

	return &BatchResult{
		Success:           len(failedFiles) == 0,
		ListingID:         presigned.ID,
		UniqueIdentifier:  uniqueIdentifier,
		TotalFiles:        len(files),
		SuccessfulUploads: successful,
		FailedUploads:     len(failedFiles),
		FailedFiles:       failedFiles,
	}, nil
}

func (p *AutoHDRProvider) uploadToS3(presignedURL, filename string, data []byte) error {
	req, err := http.NewRequest(http.MethodPut, presignedURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", fileutil.GetContentTypeForFile(filename))

	client := &http.Client{Timeout: 300 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("S3 returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FinalizePhotoshoot triggers processing after all uploads complete.
func (p *AutoHDRProvider) FinalizePhotoshoot(uniqueIdentifier string) error {
	if p.email == "" {
		return fmt.Errorf("cannot finalize: email not set")
	}

	log.Printf("Finalizing photoshoot %s...", uniqueIdentifier)
	payload := map[string]string{
		"email":             p.email,
		"unique_identifier": uniqueIdentifier,
	}
	if err := p.postJSON("/v1/finalize-photoshoot-upload", payload, nil); err != nil {
		return err
	}
	log.Printf("Photoshoot finalized")
	return nil
}

// UploadImage wraps a single file in a one-element photoshoot.
func (p *AutoHDRProvider) UploadImage(filename string, data []byte, contentType string) (string, error) {
	if p.email == "" {
		return "", fmt.Errorf("AutoHDR email required for uploads")
	}

	uniqueID := uuid.New().String()
	result, err := p.UploadBatch(
		[]BracketUpload{{Name: filename, Bytes: data}},
		uniqueID,
		"Single upload "+filename,
		false,
		"",
	)
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("upload failed: %s", result.Error)
	}
	if result.ListingID != "" {
		return result.ListingID, nil
	}
	return uniqueID, nil
}

// RequestEnhancement is a no-op: AutoHDR processes automatically after
// finalize, so the listing id doubles as the enhancement reference.
func (p *AutoHDRProvider) RequestEnhancement(uploadIDs []string, listingID string, opts EnhanceOptions) (string, error) {
	return listingID, nil
}

// CheckStatus always reports webhook_based: AutoHDR has no polling
// endpoint, status arrives on the status callback webhook.
func (p *AutoHDRProvider) CheckStatus(enhancementID string) (*StatusResult, error) {
	log.Printf("AutoHDR status check for %s (webhook driven)", enhancementID)
	return &StatusResult{
		Status:        StatusWebhookBased,
		EnhancementID: enhancementID,
		Message:       "AutoHDR sends status updates via webhook callbacks",
		Provider:      constants.EnhancementProviderAutoHDR,
	}, nil
}

// GetResultURL returns empty: results arrive via the status callback.
func (p *AutoHDRProvider) GetResultURL(enhancementID string) (string, error) {
	return "", nil
}

// UploadBracket runs one bracket as its own photoshoot.
func (p *AutoHDRProvider) UploadBracket(files []BracketUpload, bracketIndex int, listingID string, opts EnhanceOptions) (*BracketResult, error) {
	address := opts.Address
	if address == "" {
		address = listingID
	}

	uniqueID := fmt.Sprintf("%s_bracket_%d_%s", listingID, bracketIndex, uuid.New().String()[:8])

	result, err := p.UploadBatch(files, uniqueID, address, opts.Twilight, opts.CallbackURL)
	if err != nil {
		return nil, err
	}
	if result.SuccessfulUploads == 0 {
		return nil, fmt.Errorf("no files uploaded successfully for bracket %d", bracketIndex+1)
	}

	return &BracketResult{
		EnhancementID: result.ListingID,
		FileCount:     result.SuccessfulUploads,
		BracketIndex:  bracketIndex,
	}, nil
}

func (p *AutoHDRProvider) ProviderType() string { return constants.EnhancementProviderAutoHDR }

func (p *AutoHDRProvider) ProviderName() string { return "AutoHDR" }

func (p *AutoHDRProvider) IsConnected() bool { return p.connected }
