package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"snapflow-backend/internal/config"
	"snapflow-backend/internal/credentials"
	"snapflow-backend/internal/fileutil"
	"snapflow-backend/internal/models"
)

// sensitiveFields are scrubbed from payloads once they leave the handler.
var sensitiveFields = []string{
	"dropbox_app_key", "dropbox_app_secret", "dropbox_refresh_token",
	"fotello_api_key", "autohdr_api_key",
	"google_drive_client_id", "google_drive_client_secret", "google_drive_refresh_token",
}

// GatewayHandler validates incoming jobs, decrypts credentials and
// dispatches them to the process stage asynchronously. The caller gets a
// 202 acknowledgement immediately; dispatch failures go to the callback
// webhook.
type GatewayHandler struct {
	cfg            *config.Config
	dispatchClient *http.Client
	webhookClient  *http.Client
}

func NewGatewayHandler(cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{
		cfg:            cfg,
		dispatchClient: &http.Client{Timeout: 60 * time.Second},
		webhookClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *GatewayHandler) Gateway(c *gin.Context) {
	correlationID := uuid.New().String()
	log.Printf("=== GATEWAY v%s === [ID: %s]", GatewayVersion, correlationID)

	var event map[string]any
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:         "Invalid data format",
			Message:       err.Error(),
			CorrelationID: correlationID,
			Version:       GatewayVersion,
		})
		return
	}

	data := unwrapEnvelope(event)

	clientID := stringField(data, "client_id")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:         "client_id is required",
			CorrelationID: correlationID,
			Version:       GatewayVersion,
		})
		return
	}

	log.Printf("Request received for client: %s", clientID)

	if missing := missingRequiredFields(data); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:         fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
			CorrelationID: correlationID,
			Version:       GatewayVersion,
		})
		return
	}

	storageProvider, enhancementProvider := detectJobProviders(data)
	log.Printf("Providers detected - Storage: %s, Enhancement: %s", storageProvider, enhancementProvider)

	decrypted, err := credentials.Decrypt(data, clientID)
	if err != nil {
		log.Printf("Decryption failed for client %s: %v", clientID, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:         fmt.Sprintf("Credential decryption failed: %v", err),
			CorrelationID: correlationID,
			Version:       GatewayVersion,
		})
		return
	}
	log.Printf("Successfully decrypted credentials for client: %s", clientID)
	log.Printf("Decrypted payload: %v", credentials.Mask(decrypted))

	if storageProvider == "dropbox" {
		if len(strings.TrimSpace(stringField(decrypted, "dropbox_app_key"))) < 10 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error:         "Invalid decrypted dropbox_app_key format",
				CorrelationID: correlationID,
				Version:       GatewayVersion,
			})
			return
		}
	}

	jobID := uuid.New().String()
	listingID := stringField(data, "listing_id")
	callbackWebhook := stringField(data, "callback_webhook")

	processURL := h.cfg.ProcessFunctionURL
	if processURL == "" {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:         "PROCESS_FUNCTION_URL not configured",
			CorrelationID: correlationID,
			Version:       GatewayVersion,
		})
		return
	}

	payload := buildProcessPayload(data, decrypted, jobID, storageProvider, enhancementProvider)

	totalBrackets := 0
	totalFiles := 0
	if brackets, ok := data["brackets_data"].([]any); ok {
		totalBrackets = len(brackets)
		for _, bracket := range brackets {
			if files, ok := bracket.([]any); ok {
				totalFiles += len(files)
			}
		}
	}

	log.Printf("Starting async dispatch for job %s", jobID)
	go h.dispatchAsync(processURL, payload, callbackWebhook, jobID, listingID, clientID, correlationID)

	log.Printf("Gateway returning immediately for job %s", jobID)
	c.JSON(http.StatusAccepted, models.GatewayResponse{
		Status:              "dispatched",
		JobID:               jobID,
		ClientID:            clientID,
		ListingID:           listingID,
		StorageProvider:     storageProvider,
		EnhancementProvider: enhancementProvider,
		TotalBrackets:       totalBrackets,
		TotalFiles:          totalFiles,
		SkipFinalize:        boolField(data, "skip_finalize"),
		ReceivedAt:          time.Now().UTC().Format(time.RFC3339),
		Version:             GatewayVersion,
		CorrelationID:       correlationID,
	})
}

// missingRequiredFields mirrors the job intake contract: identity, callback
// and brackets are always required, plus one storage credential set, one
// enhancement credential set and a destination folder.
func missingRequiredFields(data map[string]any) []string {
	var missing []string
	for _, field := range []string{"client_id", "listing_id", "callback_webhook", "brackets_data"} {
		if !hasValue(data, field) {
			missing = append(missing, field)
		}
	}

	if !hasValue(data, "dropbox_refresh_token_encrypted") && !hasValue(data, "google_drive_refresh_token_encrypted") {
		missing = append(missing, "storage_credentials (dropbox or google_drive)")
	}
	if !hasValue(data, "fotello_api_key_encrypted") && !hasValue(data, "autohdr_api_key_encrypted") {
		missing = append(missing, "enhancement_credentials (fotello or autohdr)")
	}
	if !hasValue(data, "dropbox_destination_folder") && !hasValue(data, "google_drive_destination_folder_id") {
		missing = append(missing, "destination_folder")
	}
	return missing
}

// detectJobProviders infers providers from the still-encrypted payload. An
// explicit provider field always wins.
func detectJobProviders(data map[string]any) (string, string) {
	storageProvider := stringField(data, "storage_provider")
	if storageProvider == "" {
		if hasValue(data, "dropbox_refresh_token_encrypted") {
			storageProvider = "dropbox"
		} else if hasValue(data, "google_drive_refresh_token_encrypted") {
			storageProvider = "google_drive"
		}
	}

	enhancementProvider := stringField(data, "enhancement_provider")
	if enhancementProvider == "" {
		if hasValue(data, "fotello_api_key_encrypted") {
			enhancementProvider = "fotello"
		} else if hasValue(data, "autohdr_api_key_encrypted") {
			enhancementProvider = "autohdr"
		}
	}

	return storageProvider, enhancementProvider
}

func buildProcessPayload(data, decrypted map[string]any, jobID, storageProvider, enhancementProvider string) map[string]any {
	notificationLevel := stringField(data, "notification_level")
	if notificationLevel == "" {
		notificationLevel = "minimal"
	}

	payload := map[string]any{
		"job_id":     jobID,
		"client_id":  data["client_id"],
		"listing_id": data["listing_id"],

		"storage_provider":     storageProvider,
		"enhancement_provider": enhancementProvider,

		"brackets_data":      data["brackets_data"],
		"callback_webhook":   data["callback_webhook"],
		"notification_level": notificationLevel,
		"filename_prefix":    fileutil.SanitizeFilenamePrefix(stringField(data, "filename_prefix")),

		"skip_finalize": boolField(data, "skip_finalize"),

		"version": GatewayVersion,
	}

	switch storageProvider {
	case "dropbox":
		accessMode := stringField(data, "access_mode")
		if accessMode == "" {
			accessMode = "member"
		}
		payload["dropbox_refresh_token"] = decrypted["dropbox_refresh_token"]
		payload["dropbox_app_key"] = decrypted["dropbox_app_key"]
		payload["dropbox_app_secret"] = decrypted["dropbox_app_secret"]
		payload["dropbox_destination_folder"] = data["dropbox_destination_folder"]
		payload["dropbox_folder"] = data["dropbox_folder"]
		payload["dropbox_team_member_id"] = data["dropbox_team_member_id"]
		payload["access_mode"] = accessMode
	case "google_drive":
		payload["google_drive_client_id"] = decrypted["google_drive_client_id"]
		payload["google_drive_client_secret"] = decrypted["google_drive_client_secret"]
		payload["google_drive_refresh_token"] = decrypted["google_drive_refresh_token"]
		payload["google_drive_folder_id"] = data["google_drive_folder_id"]
		payload["google_drive_destination_folder_id"] = data["google_drive_destination_folder_id"]
	}

	switch enhancementProvider {
	case "fotello":
		payload["fotello_api_key"] = decrypted["fotello_api_key"]
	case "autohdr":
		payload["autohdr_api_key"] = decrypted["autohdr_api_key"]
		payload["autohdr_email"] = data["autohdr_email"] // not encrypted
	}

	return payload
}

// dispatchAsync posts the job to the process stage after the gateway has
// already responded. Failures are reported to the callback webhook.
func (h *GatewayHandler) dispatchAsync(processURL string, payload map[string]any, callbackWebhook, jobID, listingID, clientID, correlationID string) {
	defer clearCredentials(payload)

	log.Printf("[ASYNC] Starting dispatch for job %s (client: %s) [ID: %s]", jobID, clientID, correlationID)
	payload["correlation_id"] = correlationID

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ASYNC] Dispatch error: %v", err)
		h.sendDispatchError(callbackWebhook, jobID, listingID, clientID,
			fmt.Sprintf("Async dispatch failed: %v", err), correlationID)
		return
	}

	resp, err := h.dispatchClient.Post(processURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[ASYNC] Dispatch error: %v", err)
		h.sendDispatchError(callbackWebhook, jobID, listingID, clientID,
			fmt.Sprintf("Async dispatch failed: %v", err), correlationID)
		return
	}
	defer resp.Body.Close()

	log.Printf("[ASYNC] Dispatch response: %d", resp.StatusCode)
	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(resp.Body)
		log.Printf("[ASYNC] Dispatch failed: %s", text)
		h.sendDispatchError(callbackWebhook, jobID, listingID, clientID,
			fmt.Sprintf("Process function returned %d", resp.StatusCode), correlationID)
		return
	}
	log.Printf("[ASYNC] Dispatch successful for job %s", jobID)
}

func (h *GatewayHandler) sendDispatchError(callbackWebhook, jobID, listingID, clientID, errMsg, correlationID string) {
	if callbackWebhook == "" {
		return
	}

	notification := map[string]any{
		"status":         "dispatch_failed",
		"function_name":  "gateway",
		"log_level":      "ERROR",
		"job_id":         jobID,
		"listing_id":     listingID,
		"client_id":      clientID,
		"error":          errMsg,
		"timestamp":      float64(time.Now().UnixMilli()) / 1000.0,
		"correlation_id": correlationID,
		"version":        GatewayVersion,
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return
	}
	resp, err := h.webhookClient.Post(callbackWebhook, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	resp.Body.Close()
}

func clearCredentials(payload map[string]any) {
	for _, field := range sensitiveFields {
		delete(payload, field)
	}
	log.Printf("[ASYNC] Cleared credentials from payload")
}
