// Package notify delivers debug and business notifications to the caller's
// webhook, filtered by a configurable verbosity level.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Notification verbosity levels, least to most chatty.
const (
	LevelErrorsOnly = "errors_only"
	LevelMinimal    = "minimal"
	LevelStandard   = "standard"
	LevelVerbose    = "verbose"
)

// criticalNotifications are always sent regardless of level.
var criticalNotifications = map[string]bool{
	"job_failed":                     true,
	"job_completed":                  true,
	"job_partial_success":            true,
	"job_started":                    true,
	"dispatch_failed":                true,
	"process_completed_success":      true,
	"finalize_processing_started":    true,
	"dropbox_connection_failed":      true,
	"enhancement_request_success":    true,
	"google_drive_connection_failed": true,
}

// minimalAllowed are the only non-critical events sent at minimal level.
var minimalAllowed = map[string]bool{
	"process_started_detailed":       true,
	"dropbox_connected_success":      true,
	"google_drive_connected_success": true,
	"bracket_processing_started":     true,
	"process_completed_success":      true,
}

// verboseOnly events are suppressed below verbose level.
var verboseOnly = map[string]bool{
	"status_checked":                true,
	"upload_attempt_details":        true,
	"upload_result_details":         true,
	"dropbox_token_refresh_attempt": true,
	"finalize_call_attempt":         true,
	"retry_attempt":                 true,
}

// Notifier posts notifications to a single callback webhook. Delivery
// failures are swallowed: notifications must never fail the pipeline.
type Notifier struct {
	CallbackWebhook string
	JobID           string
	ListingID       string
	CorrelationID   string
	FunctionName    string
	Version         string

	level      string
	httpClient *http.Client
}

// New creates a notifier. An unrecognized level falls back to minimal.
func New(callbackWebhook, level string) *Notifier {
	switch level {
	case LevelErrorsOnly, LevelMinimal, LevelStandard, LevelVerbose:
	default:
		level = LevelMinimal
	}
	return &Notifier{
		CallbackWebhook: callbackWebhook,
		FunctionName:    "unknown",
		Version:         "unknown",
		level:           level,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

// FromPayload builds a notifier from the standard stage payload fields.
func FromPayload(data map[string]any, functionName, version string) *Notifier {
	str := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}

	level := str("notification_level")
	n := New(str("callback_webhook"), level)
	n.JobID = str("job_id")
	n.ListingID = str("listing_id")
	n.CorrelationID = str("correlation_id")
	n.FunctionName = functionName
	n.Version = version
	return n
}

// Level returns the effective verbosity level.
func (n *Notifier) Level() string { return n.level }

func (n *Notifier) shouldSend(status, logLevel string) bool {
	if logLevel == "ERROR" {
		return true
	}
	if criticalNotifications[status] {
		return true
	}

	switch n.level {
	case LevelErrorsOnly:
		return false
	case LevelMinimal:
		return minimalAllowed[status]
	case LevelStandard:
		return !verboseOnly[status]
	default: // verbose
		return true
	}
}

func (n *Notifier) post(payload map[string]any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal notification: %v", err)
		return false
	}

	resp, err := n.httpClient.Post(n.CallbackWebhook, "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// SendDebug sends a level-filtered monitoring notification. Returns whether
// the notification was delivered.
func (n *Notifier) SendDebug(status string, extraData map[string]any, logLevel string) bool {
	if n.CallbackWebhook == "" {
		return false
	}
	if logLevel == "" {
		logLevel = "INFO"
	}
	if !n.shouldSend(status, logLevel) {
		return false
	}

	payload := map[string]any{
		"debug_status":   status,
		"function_name":  n.FunctionName,
		"log_level":      logLevel,
		"job_id":         n.JobID,
		"listing_id":     n.ListingID,
		"timestamp":      float64(time.Now().UnixMilli()) / 1000.0,
		"version":        n.Version,
		"correlation_id": n.CorrelationID,
	}
	for k, v := range extraData {
		payload[k] = v
	}

	sent := n.post(payload)
	if sent {
		log.Printf("Debug notification sent: %s [%s]", status, logLevel)
	} else {
		log.Printf("Failed to send debug notification '%s'", status)
	}
	return sent
}

// SendBusiness sends a workflow-orchestration notification. Business
// notifications bypass level filtering.
func (n *Notifier) SendBusiness(notificationType string, jobData map[string]any) bool {
	if n.CallbackWebhook == "" {
		return false
	}

	payload := make(map[string]any, len(jobData)+4)
	for k, v := range jobData {
		payload[k] = v
	}
	payload["function_name"] = n.FunctionName
	payload["log_level"] = "INFO"
	payload["correlation_id"] = n.CorrelationID
	payload["version"] = n.Version

	sent := n.post(payload)
	if sent {
		log.Printf("Business notification sent: %s", notificationType)
	} else {
		log.Printf("Failed to send business notification '%s'", notificationType)
	}
	return sent
}

// SendError sends an error notification, which is never filtered.
func (n *Notifier) SendError(errorStatus, errorMessage string, extraData map[string]any) bool {
	data := map[string]any{"error": errorMessage}
	for k, v := range extraData {
		data[k] = v
	}
	return n.SendDebug(errorStatus, data, "ERROR")
}

// JobResult is the aggregate outcome reported when a job finishes.
type JobResult struct {
	Status                 string           `json:"status"`
	TotalBrackets          int              `json:"total_brackets"`
	ProcessedBrackets      int              `json:"processed_brackets"`
	SuccessfulEnhancements int              `json:"successful_enhancements"`
	FailedEnhancements     int              `json:"failed_enhancements"`
	EnhancedImages         []map[string]any `json:"enhanced_images"`
	FailedBrackets         []map[string]any `json:"failed_brackets"`
	RetryAttempts          int              `json:"retry_attempts"`
}

// SendJobResult sends the standardized job result as a business
// notification.
func (n *Notifier) SendJobResult(result JobResult) bool {
	enhanced := result.EnhancedImages
	if enhanced == nil {
		enhanced = []map[string]any{}
	}
	failed := result.FailedBrackets
	if failed == nil {
		failed = []map[string]any{}
	}

	return n.SendBusiness(result.Status, map[string]any{
		"status":                  result.Status,
		"job_id":                  n.JobID,
		"listing_id":              n.ListingID,
		"total_brackets":          result.TotalBrackets,
		"processed_brackets":      result.ProcessedBrackets,
		"successful_enhancements": result.SuccessfulEnhancements,
		"failed_enhancements":     result.FailedEnhancements,
		"enhanced_images":         enhanced,
		"failed_brackets":         failed,
		"timestamp":               float64(time.Now().UnixMilli()) / 1000.0,
		"source":                  n.FunctionName + "_function",
		"retry_attempts":          result.RetryAttempts,
	})
}
