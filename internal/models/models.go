// Package models defines the request and response shapes exchanged by the
// pipeline stages.
package models

import (
	"snapflow-backend/internal/bracketing"
	"snapflow-backend/internal/storage"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Version       string `json:"version,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// EnhancementTicket identifies one bracket's enhancement request. Tickets
// travel from the process stage to finalize, either directly or through the
// caller when skip_finalize is set.
type EnhancementTicket struct {
	EnhancementID string `json:"enhancement_id"`
	BracketIndex  int    `json:"bracket_index"`
	FileCount     int    `json:"file_count,omitempty"`
}

// GatewayResponse is the immediate 202 acknowledgement returned while the
// job is dispatched in the background.
type GatewayResponse struct {
	Status              string `json:"status"`
	JobID               string `json:"job_id"`
	ClientID            string `json:"client_id"`
	ListingID           string `json:"listing_id"`
	StorageProvider     string `json:"storage_provider"`
	EnhancementProvider string `json:"enhancement_provider"`
	TotalBrackets       int    `json:"total_brackets"`
	TotalFiles          int    `json:"total_files"`
	SkipFinalize        bool   `json:"skip_finalize"`
	ReceivedAt          string `json:"received_at"`
	Version             string `json:"version"`
	CorrelationID       string `json:"correlation_id"`
}

// DiscoveryResult is returned by discovery mode: the full file listing plus
// the pagination plan for subsequent process_page calls.
type DiscoveryResult struct {
	Status          string             `json:"status"`
	TotalFiles      int                `json:"total_files"`
	TotalPages      int                `json:"total_pages"`
	FilesPerPage    int                `json:"files_per_page"`
	SessionID       string             `json:"session_id"`
	AllFiles        []storage.FileInfo `json:"all_files"`
	FileLimitActive bool               `json:"file_limit_active"`
	MaxFilesApplied int                `json:"max_files_applied,omitempty"`
}

// PageResult is returned by process_page mode with the EXIF metadata
// extracted from one page of files.
type PageResult struct {
	Status         string                    `json:"status"`
	PageNumber     int                       `json:"page_number"`
	SessionID      string                    `json:"session_id"`
	ProcessedCount int                       `json:"processed_count"`
	Metadata       []bracketing.FileMetadata `json:"metadata"`
}

type ProcessResponse struct {
	Status              string              `json:"status"`
	JobID               string              `json:"job_id"`
	ListingID           string              `json:"listing_id"`
	SkipFinalize        bool                `json:"skip_finalize,omitempty"`
	EnhancementIDs      []EnhancementTicket `json:"enhancement_ids,omitempty"`
	FilesProcessed      int                 `json:"files_processed"`
	FilesUploaded       int                 `json:"files_uploaded"`
	BracketsProcessed   int                 `json:"brackets_processed"`
	EnhancementRequests int                 `json:"enhancement_requests,omitempty"`
	Message             string              `json:"message"`
	Version             string              `json:"version"`
	CorrelationID       string              `json:"correlation_id"`
}

type FinalizeResponse struct {
	Message           string   `json:"message"`
	JobID             string   `json:"job_id"`
	ListingID         string   `json:"listing_id"`
	Status            string   `json:"status"`
	TotalEnhancements int      `json:"total_enhancements"`
	SuccessfulUploads int      `json:"successful_uploads"`
	FailedUploads     int      `json:"failed_uploads"`
	EnhancedImages    []string `json:"enhanced_images"`
	Version           string   `json:"version"`
	RetryAttempts     int      `json:"retry_attempts"`
	CorrelationID     string   `json:"correlation_id"`
}
