package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"snapflow-backend/internal/config"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/fileutil"
	"snapflow-backend/internal/models"
	"snapflow-backend/internal/notify"
)

// ProcessHandler downloads bracket files from storage, uploads them to the
// enhancement provider and requests processing. Per-file and per-bracket
// failures are non-fatal; the job fails only when no bracket produces an
// enhancement ticket.
type ProcessHandler struct {
	cfg                *config.Config
	storageFactory     StorageFactory
	enhancementFactory EnhancementFactory
	finalizeClient     *http.Client
}

func NewProcessHandler(cfg *config.Config, storageFactory StorageFactory, enhancementFactory EnhancementFactory) *ProcessHandler {
	return &ProcessHandler{
		cfg:                cfg,
		storageFactory:     storageFactory,
		enhancementFactory: enhancementFactory,
		finalizeClient:     &http.Client{Timeout: 90 * time.Second},
	}
}

func (h *ProcessHandler) Process(c *gin.Context) {
	var event map[string]any
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "job_failed",
			"error":  "No valid data found in event",
		})
		return
	}

	correlationID := stringField(event, "correlation_id")
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	log.Printf("=== PROCESS v%s === [ID: %s]", ProcessVersion, correlationID)

	var data map[string]any
	switch {
	case hasValue(event, "job_id") || hasValue(event, "listing_id"):
		data = event
	case hasValue(event, "body"):
		data = unwrapEnvelope(event)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"status":         "job_failed",
			"error":          "No valid data found in event",
			"correlation_id": correlationID,
		})
		return
	}

	jobID := stringField(data, "job_id")
	if jobID == "" {
		jobID = uuid.New().String()
	}
	listingID := stringField(data, "listing_id")
	callbackWebhook := stringField(data, "callback_webhook")
	filenamePrefix := stringField(data, "filename_prefix")
	skipFinalize := boolField(data, "skip_finalize")

	storageProviderName := stringField(data, "storage_provider")
	if storageProviderName == "" {
		storageProviderName = "dropbox"
	}
	enhancementProviderName := stringField(data, "enhancement_provider")
	if enhancementProviderName == "" {
		enhancementProviderName = "fotello"
	}

	bracketsData, _ := data["brackets_data"].([]any)

	log.Printf("Job: %s, Listing: %s", jobID, listingID)
	log.Printf("Providers - Storage: %s, Enhancement: %s", storageProviderName, enhancementProviderName)
	log.Printf("skip_finalize: %v", skipFinalize)

	notifier := notify.FromPayload(data, "process", ProcessVersion)
	// job and correlation ids may be generated above.
	notifier.JobID = jobID
	notifier.CorrelationID = correlationID

	notifier.SendDebug("process_started", map[string]any{
		"storage_provider":     storageProviderName,
		"enhancement_provider": enhancementProviderName,
		"brackets_count":       len(bracketsData),
		"skip_finalize":        skipFinalize,
	}, "INFO")

	if listingID == "" || callbackWebhook == "" {
		missing := ""
		if listingID == "" {
			missing = "listing_id"
		}
		if callbackWebhook == "" {
			if missing != "" {
				missing += ", "
			}
			missing += "callback_webhook"
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"status":         "job_failed",
			"error":          fmt.Sprintf("Missing required fields: %s", missing),
			"correlation_id": correlationID,
		})
		return
	}

	if len(bracketsData) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"status":         "job_failed",
			"error":          "No brackets_data found in payload",
			"correlation_id": correlationID,
		})
		return
	}

	// Storage provider
	notifier.SendDebug("storage_connecting", map[string]any{"provider": storageProviderName}, "INFO")
	store, err := h.storageFactory(data, storageProviderName)
	if err != nil {
		errMsg := fmt.Sprintf("Storage connection failed: %v", err)
		notifier.SendError("storage_connection_failed", errMsg, nil)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":         "job_failed",
			"error":          errMsg,
			"correlation_id": correlationID,
		})
		return
	}
	userInfo := store.GetUserInfo()
	connectedAs := userInfo.DisplayName
	if connectedAs == "" {
		connectedAs = userInfo.Email
	}
	notifier.SendDebug("storage_connected", map[string]any{
		"provider": storageProviderName,
		"user":     connectedAs,
	}, "INFO")

	// Enhancement provider
	notifier.SendDebug("enhancement_connecting", map[string]any{"provider": enhancementProviderName}, "INFO")
	enhancer, err := h.enhancementFactory(data, enhancementProviderName)
	if err != nil {
		errMsg := fmt.Sprintf("Enhancement provider connection failed: %v", err)
		notifier.SendError("enhancement_connection_failed", errMsg, nil)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":         "job_failed",
			"error":          errMsg,
			"correlation_id": correlationID,
		})
		return
	}
	notifier.SendDebug("enhancement_connected", map[string]any{"provider": enhancementProviderName}, "INFO")

	// Process brackets
	notifier.SendDebug("bracket_processing_started", map[string]any{"total_brackets": len(bracketsData)}, "INFO")

	var tickets []models.EnhancementTicket
	filesProcessed := 0
	filesUploaded := 0
	bracketsProcessed := 0

	for bracketIdx, rawBracket := range bracketsData {
		currentNum := bracketIdx + 1
		bracket, _ := rawBracket.([]any)

		notifier.SendDebug("processing_bracket_started", map[string]any{
			"bracket_index":    bracketIdx,
			"bracket_progress": fmt.Sprintf("%d of %d", currentNum, len(bracketsData)),
			"file_count":       len(bracket),
		}, "INFO")

		log.Printf("Processing bracket %d/%d (%d files)", currentNum, len(bracketsData), len(bracket))

		var bracketFiles []enhancement.BracketUpload
		for _, rawFile := range bracket {
			fileInfo, _ := rawFile.(map[string]any)
			filePath := stringField(fileInfo, "path_lower")
			if filePath == "" {
				filePath = stringField(fileInfo, "id")
			}
			if filePath == "" {
				filePath = stringField(fileInfo, "path_id")
			}
			fileName := stringField(fileInfo, "name")

			if filePath == "" || fileName == "" {
				log.Printf("Skipping file due to missing path or name: %v", fileInfo)
				continue
			}

			content, err := store.DownloadFile(filePath)
			if err != nil {
				log.Printf("Failed to download %s: %v", fileName, err)
				continue
			}

			if ok, sizeErr := fileutil.ValidateFileSize(fileName, int64(len(content))); !ok {
				log.Printf("File %s failed validation: %s", fileName, sizeErr)
				continue
			}

			bracketFiles = append(bracketFiles, enhancement.BracketUpload{Name: fileName, Bytes: content})
			filesProcessed++
		}

		if len(bracketFiles) == 0 {
			log.Printf("No valid files in bracket %d, skipping", currentNum)
			notifier.SendDebug("bracket_skipped_no_files", map[string]any{
				"bracket_index": bracketIdx,
				"reason":        "no_valid_files",
			}, "INFO")
			continue
		}

		log.Printf("Uploading bracket %d (%d files)", currentNum, len(bracketFiles))
		result, err := enhancer.UploadBracket(bracketFiles, bracketIdx, listingID, enhancement.EnhanceOptions{
			CallbackURL: callbackWebhook,
		})
		if err != nil {
			log.Printf("Failed to process bracket %d: %v", currentNum, err)
			notifier.SendError("bracket_processing_error", err.Error(), map[string]any{
				"bracket_index": bracketIdx,
			})
			continue
		}

		tickets = append(tickets, models.EnhancementTicket{
			EnhancementID: result.EnhancementID,
			BracketIndex:  bracketIdx,
			FileCount:     result.FileCount,
		})
		filesUploaded += result.FileCount
		bracketsProcessed++

		notifier.SendDebug("enhancement_request_success", map[string]any{
			"bracket_index":    bracketIdx,
			"bracket_progress": fmt.Sprintf("%d of %d", currentNum, len(bracketsData)),
			"enhancement_id":   result.EnhancementID,
			"files_uploaded":   result.FileCount,
		}, "INFO")

		log.Printf("Bracket %d enhancement requested: %s", currentNum, result.EnhancementID)
	}

	if len(tickets) == 0 {
		errMsg := "No brackets were successfully processed"
		notifier.SendError("job_failed", errMsg, nil)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":             "job_failed",
			"job_id":             jobID,
			"listing_id":         listingID,
			"error":              errMsg,
			"files_processed":    filesProcessed,
			"files_uploaded":     filesUploaded,
			"brackets_processed": bracketsProcessed,
			"version":            ProcessVersion,
			"correlation_id":     correlationID,
		})
		return
	}

	if skipFinalize {
		log.Printf("skip_finalize=true: Returning %d enhancement IDs", len(tickets))

		notifier.SendDebug("finalize_skipped", map[string]any{
			"enhancement_ids_count": len(tickets),
			"reason":                "skip_finalize=true",
		}, "INFO")

		notifier.SendJobResult(notify.JobResult{
			Status:                 "enhancement_requested",
			TotalBrackets:          len(bracketsData),
			ProcessedBrackets:      bracketsProcessed,
			SuccessfulEnhancements: len(tickets),
			FailedEnhancements:     len(bracketsData) - bracketsProcessed,
		})

		c.JSON(http.StatusOK, models.ProcessResponse{
			Status:            "enhancement_requested",
			JobID:             jobID,
			ListingID:         listingID,
			SkipFinalize:      true,
			EnhancementIDs:    tickets,
			FilesProcessed:    filesProcessed,
			FilesUploaded:     filesUploaded,
			BracketsProcessed: bracketsProcessed,
			Message:           fmt.Sprintf("Enhancement requested for %d brackets. Call finalize later with enhancement_ids.", bracketsProcessed),
			Version:           ProcessVersion,
			CorrelationID:     correlationID,
		})
		return
	}

	// Hand off to finalize
	notifier.SendDebug("finalize_call_attempt", map[string]any{
		"enhancement_ids_count": len(tickets),
	}, "INFO")

	if h.cfg.FinalizeFunctionURL == "" {
		log.Printf("FINALIZE_FUNCTION_URL not set, skipping finalize call")
		notifier.SendDebug("finalize_url_missing", nil, "INFO")
	} else {
		h.callFinalize(data, notifier, jobID, listingID, filenamePrefix, correlationID,
			storageProviderName, enhancementProviderName, tickets, len(bracketsData), bracketsProcessed)
	}

	notifier.SendDebug("process_completed_success", map[string]any{
		"brackets_processed":   bracketsProcessed,
		"enhancement_requests": len(tickets),
		"files_processed":      filesProcessed,
		"files_uploaded":       filesUploaded,
	}, "INFO")

	c.JSON(http.StatusOK, models.ProcessResponse{
		Status:              "enhancement_requested",
		JobID:               jobID,
		ListingID:           listingID,
		FilesProcessed:      filesProcessed,
		FilesUploaded:       filesUploaded,
		BracketsProcessed:   bracketsProcessed,
		EnhancementRequests: len(tickets),
		Message:             fmt.Sprintf("Successfully processed %d brackets. Finalize monitoring started.", bracketsProcessed),
		Version:             ProcessVersion,
		CorrelationID:       correlationID,
	})
}

// callFinalize posts the job to the finalize stage, passing storage and
// enhancement credentials through so it can upload results. Failures only
// notify; the process response is unaffected.
func (h *ProcessHandler) callFinalize(data map[string]any, notifier *notify.Notifier,
	jobID, listingID, filenamePrefix, correlationID, storageProviderName, enhancementProviderName string,
	tickets []models.EnhancementTicket, totalBrackets, processedBrackets int) {

	notificationLevel := stringField(data, "notification_level")
	if notificationLevel == "" {
		notificationLevel = "minimal"
	}

	payload := map[string]any{
		"job_id":             jobID,
		"listing_id":         listingID,
		"filename_prefix":    filenamePrefix,
		"enhancement_ids":    tickets,
		"callback_webhook":   data["callback_webhook"],
		"notification_level": notificationLevel,
		"total_brackets":     totalBrackets,
		"processed_brackets": processedBrackets,
		"version":            ProcessVersion,
		"correlation_id":     correlationID,

		"storage_provider":     storageProviderName,
		"enhancement_provider": enhancementProviderName,
	}

	switch storageProviderName {
	case "dropbox":
		accessMode := stringField(data, "access_mode")
		if accessMode == "" {
			accessMode = "member"
		}
		payload["dropbox_refresh_token"] = data["dropbox_refresh_token"]
		payload["dropbox_app_key"] = data["dropbox_app_key"]
		payload["dropbox_app_secret"] = data["dropbox_app_secret"]
		payload["dropbox_destination_folder"] = data["dropbox_destination_folder"]
		payload["dropbox_team_member_id"] = data["dropbox_team_member_id"]
		payload["access_mode"] = accessMode
	case "google_drive":
		payload["google_drive_client_id"] = data["google_drive_client_id"]
		payload["google_drive_client_secret"] = data["google_drive_client_secret"]
		payload["google_drive_refresh_token"] = data["google_drive_refresh_token"]
		payload["google_drive_destination_folder_id"] = data["google_drive_destination_folder_id"]
	}

	switch enhancementProviderName {
	case "fotello":
		payload["fotello_api_key"] = data["fotello_api_key"]
	case "autohdr":
		payload["autohdr_api_key"] = data["autohdr_api_key"]
		payload["autohdr_email"] = data["autohdr_email"]
	}

	body, err := json.Marshal(payload)
	if err != nil {
		notifier.SendError("finalize_call_exception", err.Error(), nil)
		return
	}

	log.Printf("Calling finalize function...")
	resp, err := h.finalizeClient.Post(h.cfg.FinalizeFunctionURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("Failed to call finalize: %v", err)
		notifier.SendError("finalize_call_exception", err.Error(), nil)
		return
	}
	defer resp.Body.Close()

	log.Printf("Finalize response: %d", resp.StatusCode)
	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(resp.Body)
		notifier.SendError("finalize_call_failed", string(text), nil)
		return
	}
	notifier.SendDebug("finalize_called_successfully", map[string]any{
		"status_code": resp.StatusCode,
	}, "INFO")
}
