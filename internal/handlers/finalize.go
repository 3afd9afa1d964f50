package handlers

import (
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/fileutil"
	"snapflow-backend/internal/models"
	"snapflow-backend/internal/notify"
	"snapflow-backend/internal/storage"
)

// FinalizeHandler polls enhancement status, downloads completed results and
// uploads them to the storage destination. In-progress enhancements are
// retried up to three times with a three minute pause between passes.
type FinalizeHandler struct {
	storageFactory     StorageFactory
	enhancementFactory EnhancementFactory
	downloadClient     *http.Client

	// retryDelay between polling passes, shortened in tests.
	retryDelay time.Duration
}

func NewFinalizeHandler(storageFactory StorageFactory, enhancementFactory EnhancementFactory) *FinalizeHandler {
	return &FinalizeHandler{
		storageFactory:     storageFactory,
		enhancementFactory: enhancementFactory,
		downloadClient:     &http.Client{Timeout: 300 * time.Second},
		retryDelay:         constants.FinalizeRetryDelay,
	}
}

// enhancementOutcome is the terminal state of one enhancement ticket.
type enhancementOutcome struct {
	EnhancementID string
	BracketIndex  int
	Status        string
	StoragePath   string
	FileSizeMB    float64
	Error         string

	retryNeeded bool
}

func (h *FinalizeHandler) Finalize(c *gin.Context) {
	var event map[string]any
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid data format",
			Message: err.Error(),
			Version: FinalizeVersion,
		})
		return
	}

	data := unwrapEnvelope(event)
	// A wrapped body without job identity falls back to the outer event.
	if !hasValue(data, "job_id") && hasValue(event, "job_id") {
		data = event
	}

	correlationID := stringField(data, "correlation_id")
	if correlationID == "" {
		correlationID = stringField(event, "correlation_id")
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	log.Printf("=== FINALIZE v%s === [ID: %s]", FinalizeVersion, correlationID)

	jobID := stringField(data, "job_id")
	if jobID == "" {
		jobID = uuid.New().String()
	}
	listingID := stringField(data, "listing_id")
	callbackWebhook := stringField(data, "callback_webhook")
	totalBrackets := intField(data, "total_brackets", 0)
	processedBrackets := intField(data, "processed_brackets", 0)
	filenamePrefix := stringField(data, "filename_prefix")

	storageProviderName := stringField(data, "storage_provider")
	if storageProviderName == "" {
		storageProviderName = "dropbox"
	}
	enhancementProviderName := stringField(data, "enhancement_provider")
	if enhancementProviderName == "" {
		enhancementProviderName = "fotello"
	}

	tickets := parseTickets(data["enhancement_ids"])

	log.Printf("Job: %s, Listing: %s", jobID, listingID)
	log.Printf("Enhancement IDs: %d", len(tickets))
	log.Printf("Providers - Storage: %s, Enhancement: %s", storageProviderName, enhancementProviderName)

	notifier := notify.FromPayload(data, "finalize", FinalizeVersion)
	// job and correlation ids may be generated above.
	notifier.JobID = jobID
	notifier.CorrelationID = correlationID

	notifier.SendDebug("finalize_processing_started", map[string]any{
		"enhancement_count": len(tickets),
	}, "INFO")

	notifier.SendJobResult(notify.JobResult{
		Status:            "job_started",
		TotalBrackets:     totalBrackets,
		ProcessedBrackets: processedBrackets,
	})

	var missing []string
	if listingID == "" {
		missing = append(missing, "listing_id")
	}
	if len(tickets) == 0 {
		missing = append(missing, "enhancement_ids")
	}
	if callbackWebhook == "" {
		missing = append(missing, "callback_webhook")
	}
	if len(missing) > 0 {
		errMsg := fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", "))
		h.sendFailedJobResult(notifier, totalBrackets, errMsg)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          errMsg,
			"job_id":         jobID,
			"correlation_id": correlationID,
		})
		return
	}

	// Storage provider and destination
	var destinationFolder string
	switch storageProviderName {
	case "dropbox":
		destinationFolder = stringField(data, "dropbox_destination_folder")
		if destinationFolder == "" {
			destinationFolder = "/enhanced"
		}
	case "google_drive":
		destinationFolder = stringField(data, "google_drive_destination_folder_id")
	}

	store, err := h.storageFactory(data, storageProviderName)
	if err != nil {
		errMsg := fmt.Sprintf("Storage connection failed: %v", err)
		notifier.SendError("storage_connection_failed", errMsg, nil)
		h.sendFailedJobResult(notifier, totalBrackets, errMsg)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          errMsg,
			"job_id":         jobID,
			"correlation_id": correlationID,
		})
		return
	}
	log.Printf("Storage provider connected: %s", storageProviderName)

	enhancer, err := h.enhancementFactory(data, enhancementProviderName)
	if err != nil {
		errMsg := fmt.Sprintf("Enhancement provider connection failed: %v", err)
		notifier.SendError("enhancement_connection_failed", errMsg, nil)
		h.sendFailedJobResult(notifier, totalBrackets, errMsg)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          errMsg,
			"job_id":         jobID,
			"correlation_id": correlationID,
		})
		return
	}
	log.Printf("Enhancement provider connected: %s", enhancementProviderName)

	// Poll with retries. In-progress enhancements go back into the pending
	// set; everything else is terminal.
	var completed []enhancementOutcome
	pending := tickets
	retryCount := 0

	for len(pending) > 0 && retryCount <= constants.FinalizeMaxRetries {
		log.Printf("Processing attempt #%d for %d enhancements", retryCount+1, len(pending))

		if retryCount > 0 {
			notifier.SendDebug("retry_attempt", map[string]any{
				"retry_count":        retryCount,
				"pending_count":      len(pending),
				"total_enhancements": len(tickets),
			}, "INFO")
			log.Printf("Waiting %s before retry...", h.retryDelay)
			time.Sleep(h.retryDelay)
		}

		var stillPending []models.EnhancementTicket
		for idx, ticket := range pending {
			log.Printf("Checking enhancement %d/%d (bracket %d)", idx+1, len(pending), ticket.BracketIndex+1)

			outcome := h.processEnhancement(ticket, enhancer, store, listingID,
				destinationFolder, filenamePrefix, notifier, idx+1, len(pending))

			if outcome.retryNeeded {
				stillPending = append(stillPending, ticket)
				log.Printf("Enhancement %s still in progress, will retry", ticket.EnhancementID)
			} else {
				completed = append(completed, outcome)
				log.Printf("Enhancement %s finished: %s", ticket.EnhancementID, outcome.Status)
			}
		}

		pending = stillPending
		retryCount++
	}

	for _, ticket := range pending {
		completed = append(completed, enhancementOutcome{
			EnhancementID: ticket.EnhancementID,
			BracketIndex:  ticket.BracketIndex,
			Status:        "timeout",
			Error:         fmt.Sprintf("Enhancement still in progress after %d retry attempts", constants.FinalizeMaxRetries),
		})
	}

	// Aggregate and report
	var enhancedImages []map[string]any
	var enhancedPaths []string
	var failedBrackets []map[string]any
	for _, outcome := range completed {
		if outcome.Status == "uploaded" {
			enhancedImages = append(enhancedImages, map[string]any{
				"bracket_index": outcome.BracketIndex,
				"storage_path":  outcome.StoragePath,
				"file_size_mb":  outcome.FileSizeMB,
			})
			enhancedPaths = append(enhancedPaths, outcome.StoragePath)
		} else {
			errMsg := outcome.Error
			if errMsg == "" {
				errMsg = "Unknown error"
			}
			failedBrackets = append(failedBrackets, map[string]any{
				"bracket_index": outcome.BracketIndex,
				"error":         errMsg,
			})
		}
	}

	jobStatus := "job_failed"
	switch {
	case len(enhancedImages) > 0 && len(failedBrackets) == 0:
		jobStatus = "job_completed"
	case len(enhancedImages) > 0:
		jobStatus = "job_partial_success"
	}

	notifier.SendJobResult(notify.JobResult{
		Status:                 jobStatus,
		TotalBrackets:          totalBrackets,
		ProcessedBrackets:      processedBrackets,
		SuccessfulEnhancements: len(enhancedImages),
		FailedEnhancements:     len(failedBrackets),
		EnhancedImages:         enhancedImages,
		FailedBrackets:         failedBrackets,
		RetryAttempts:          retryCount,
	})

	log.Printf("Job completed with status: %s", jobStatus)
	log.Printf("Successful: %d, Failed: %d", len(enhancedImages), len(failedBrackets))

	if enhancedPaths == nil {
		enhancedPaths = []string{}
	}
	c.JSON(http.StatusOK, models.FinalizeResponse{
		Message:           "Processing completed",
		JobID:             jobID,
		ListingID:         listingID,
		Status:            jobStatus,
		TotalEnhancements: len(tickets),
		SuccessfulUploads: len(enhancedImages),
		FailedUploads:     len(failedBrackets),
		EnhancedImages:    enhancedPaths,
		Version:           FinalizeVersion,
		RetryAttempts:     retryCount,
		CorrelationID:     correlationID,
	})
}

// processEnhancement checks one ticket and, when completed, downloads the
// result and uploads it to the destination folder.
func (h *FinalizeHandler) processEnhancement(ticket models.EnhancementTicket,
	enhancer enhancement.Provider, store storage.Provider,
	listingID, destinationFolder, filenamePrefix string,
	notifier *notify.Notifier, currentNum, totalNum int) enhancementOutcome {

	outcome := enhancementOutcome{
		EnhancementID: ticket.EnhancementID,
		BracketIndex:  ticket.BracketIndex,
	}
	progress := fmt.Sprintf("%d of %d", currentNum, totalNum)

	status, err := enhancer.CheckStatus(ticket.EnhancementID)
	if err != nil {
		log.Printf("Error checking enhancement: %v", err)
		notifier.SendError("api_error", err.Error(), map[string]any{
			"enhancement_id": ticket.EnhancementID,
			"bracket_index":  ticket.BracketIndex,
		})
		outcome.Status = "api_error"
		outcome.Error = err.Error()
		return outcome
	}

	log.Printf("Enhancement %s status: %s", ticket.EnhancementID, status.Status)

	switch status.Status {
	case enhancement.StatusCompleted:
		if status.EnhancedImageURL == "" {
			outcome.Status = "completed_no_url"
			outcome.Error = "No enhanced_image_url in response"
			return outcome
		}
		log.Printf("Enhancement completed (%s)", progress)

		content, err := h.downloadFromURL(status.EnhancedImageURL)
		if err == nil {
			prefix := listingID
			if strings.TrimSpace(filenamePrefix) != "" {
				if sanitized := fileutil.SanitizeFilenamePrefix(filenamePrefix); sanitized != "" {
					prefix = sanitized
				}
			}
			enhancedFilename := fmt.Sprintf("%d_%s.jpg", ticket.BracketIndex+1, prefix)

			// Google Drive destinations are "folder_id/filename"; Dropbox
			// paths must be absolute.
			destPath := destinationFolder + "/" + enhancedFilename
			if store.ProviderType() != constants.StorageProviderGoogleDrive && !strings.HasPrefix(destPath, "/") {
				destPath = "/" + destPath
			}

			_, err = store.UploadFile(destPath, content, true)
			if err == nil {
				log.Printf("Uploaded to: %s", destPath)
				notifier.SendDebug("bracket_completed", map[string]any{
					"bracket_index":        ticket.BracketIndex,
					"storage_path":         destPath,
					"enhancement_id":       ticket.EnhancementID,
					"enhancement_progress": progress,
				}, "INFO")

				outcome.Status = "uploaded"
				outcome.StoragePath = destPath
				outcome.FileSizeMB = roundMB(len(content))
				return outcome
			}
		}

		log.Printf("Failed to download/upload enhanced image: %v", err)
		notifier.SendError("download_upload_error", err.Error(), map[string]any{
			"bracket_index": ticket.BracketIndex,
		})
		outcome.Status = "download_failed"
		outcome.Error = err.Error()
		return outcome

	case enhancement.StatusInProgress, "processing":
		outcome.Status = "in_progress"
		outcome.retryNeeded = true
		return outcome

	case enhancement.StatusFailed:
		outcome.Status = "failed"
		outcome.Error = status.Error
		if outcome.Error == "" {
			outcome.Error = "Enhancement failed"
		}
		return outcome

	default:
		outcome.Status = "unknown_status"
		outcome.Error = fmt.Sprintf("Unknown status: %s", status.Status)
		return outcome
	}
}

// parseTickets normalizes the enhancement_ids payload. The process stage
// sends ticket objects; callers doing delayed retrieval may hand us a flat
// list of enhancement id strings, which get positional bracket indices.
func parseTickets(raw any) []models.EnhancementTicket {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}

	if _, isString := items[0].(string); isString {
		tickets := make([]models.EnhancementTicket, 0, len(items))
		for i, item := range items {
			id, _ := item.(string)
			if id == "" {
				continue
			}
			tickets = append(tickets, models.EnhancementTicket{EnhancementID: id, BracketIndex: i})
		}
		log.Printf("Converted flat list to enhancement objects: %d items", len(tickets))
		return tickets
	}

	var tickets []models.EnhancementTicket
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := stringField(entry, "enhancement_id")
		if id == "" {
			continue
		}
		tickets = append(tickets, models.EnhancementTicket{
			EnhancementID: id,
			BracketIndex:  intField(entry, "bracket_index", 0),
			FileCount:     intField(entry, "file_count", 0),
		})
	}
	return tickets
}

func (h *FinalizeHandler) sendFailedJobResult(notifier *notify.Notifier, totalBrackets int, errMsg string) {
	notifier.SendJobResult(notify.JobResult{
		Status:        "job_failed",
		TotalBrackets: totalBrackets,
		FailedBrackets: []map[string]any{
			{"bracket_index": -1, "error": errMsg},
		},
	})
}

func roundMB(size int) float64 {
	return math.Round(float64(size)/(1024*1024)*100) / 100
}

// downloadFromURL fetches an enhanced result from its delivery URL.
func (h *FinalizeHandler) downloadFromURL(url string) ([]byte, error) {
	log.Printf("Downloading enhanced file from URL")
	resp, err := h.downloadClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download enhanced file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("enhanced file download returned %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read enhanced file: %w", err)
	}
	log.Printf("Enhanced file size: %.2f MB", float64(len(content))/(1024*1024))
	return content, nil
}
