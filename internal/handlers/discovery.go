package handlers

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"snapflow-backend/internal/bracketing"
	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/credentials"
	"snapflow-backend/internal/fileutil"
	"snapflow-backend/internal/models"
	"snapflow-backend/internal/storage"
)

const (
	defaultFilesPerPage = 25
	exifWorkers         = 3
)

// DiscoveryHandler implements the three-phase bracket discovery flow:
// discovery lists files and plans pagination, process_page extracts EXIF
// capture times from one page, make_bracket groups the aggregated metadata
// into exposure brackets.
type DiscoveryHandler struct {
	storageFactory StorageFactory

	// retryDelay between failed EXIF downloads, shortened in tests.
	retryDelay time.Duration
}

func NewDiscoveryHandler(storageFactory StorageFactory) *DiscoveryHandler {
	return &DiscoveryHandler{
		storageFactory: storageFactory,
		retryDelay:     constants.RetryDelay,
	}
}

func (h *DiscoveryHandler) Discover(c *gin.Context) {
	var event map[string]any
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid data format",
			Message: err.Error(),
			Version: DiscoveryVersion,
		})
		return
	}

	data := unwrapEnvelope(event)
	correlationID := stringField(data, "correlation_id")
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	log.Printf("=== DISCOVERY v%s === [ID: %s]", DiscoveryVersion, correlationID)

	fail := func(err error) {
		log.Printf("Discovery error: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:         err.Error(),
			Version:       DiscoveryVersion,
			CorrelationID: correlationID,
		})
	}

	mode := stringField(data, "mode")
	switch mode {
	case "discovery", "process_page", "make_bracket":
	default:
		fail(fmt.Errorf("invalid mode: '%s' (must be 'discovery', 'process_page' or 'make_bracket')", mode))
		return
	}
	log.Printf("Mode: %s", mode)

	// make_bracket needs no storage connection.
	if mode == "make_bracket" {
		brackets, err := h.makeBrackets(data)
		if err != nil {
			fail(err)
			return
		}
		c.JSON(http.StatusOK, brackets)
		return
	}

	clientID := stringField(data, "client_id")
	if clientID == "" {
		fail(fmt.Errorf("missing 'client_id'"))
		return
	}

	providerName := stringField(data, "storage_provider")
	if providerName == "" {
		switch {
		case hasValue(data, "dropbox_refresh_token_encrypted") || hasValue(data, "dropbox_refresh_token"):
			providerName = "dropbox"
		case hasValue(data, "google_drive_refresh_token_encrypted") || hasValue(data, "google_drive_refresh_token"):
			providerName = "google_drive"
		default:
			fail(fmt.Errorf("cannot detect storage provider from credentials"))
			return
		}
	}
	log.Printf("Storage provider: %s", providerName)

	decrypted := data
	if hasValue(data, "dropbox_refresh_token_encrypted") || hasValue(data, "google_drive_refresh_token_encrypted") {
		var err error
		decrypted, err = credentials.Decrypt(data, clientID)
		if err != nil {
			fail(err)
			return
		}
	}

	provider, err := h.storageFactory(decrypted, providerName)
	if err != nil {
		fail(err)
		return
	}
	log.Printf("Storage connected")

	switch mode {
	case "discovery":
		result, err := h.discoverFiles(provider, data)
		if err != nil {
			fail(err)
			return
		}
		c.JSON(http.StatusOK, result)
	case "process_page":
		result, err := h.processPage(provider, data)
		if err != nil {
			fail(err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// discoverFiles lists every supported image under the source folder and
// returns the pagination plan for the process_page calls that follow.
func (h *DiscoveryHandler) discoverFiles(provider storage.Provider, data map[string]any) (*models.DiscoveryResult, error) {
	folder := stringField(data, "dropbox_folder")
	if folder == "" {
		folder = stringField(data, "google_drive_folder_id")
	}
	if folder == "" {
		return nil, fmt.Errorf("missing folder path for discovery")
	}

	filesPerPage := intField(data, "files_per_page", defaultFilesPerPage)
	if filesPerPage <= 0 {
		filesPerPage = defaultFilesPerPage
	}
	maxFiles := intField(data, "max_files", 0)
	if maxFiles < 0 {
		maxFiles = 0
	}

	log.Printf("Discovery mode: listing files in %s", folder)

	allFiles, err := provider.ListFiles(folder, storage.ListOptions{
		Extensions: constants.SupportedExtensions,
		Recursive:  true,
		MaxFiles:   maxFiles,
	})
	if err != nil {
		return nil, err
	}

	totalFiles := len(allFiles)
	totalPages := 0
	if totalFiles > 0 {
		totalPages = (totalFiles + filesPerPage - 1) / filesPerPage
	}

	log.Printf("Discovery complete: %d files, %d pages", totalFiles, totalPages)

	return &models.DiscoveryResult{
		Status:          "discovery_success",
		TotalFiles:      totalFiles,
		TotalPages:      totalPages,
		FilesPerPage:    filesPerPage,
		SessionID:       uuid.New().String(),
		AllFiles:        allFiles,
		FileLimitActive: maxFiles > 0,
		MaxFilesApplied: maxFiles,
	}, nil
}

// processPage downloads one page of files and extracts their EXIF capture
// times with a bounded worker pool.
func (h *DiscoveryHandler) processPage(provider storage.Provider, data map[string]any) (*models.PageResult, error) {
	pageNumber := intField(data, "page_number", 0)
	rawFiles, hasFiles := data["all_files"]
	if pageNumber <= 0 || !hasFiles {
		return nil, fmt.Errorf("missing 'page_number' or 'all_files' for process_page")
	}

	var allFiles []storage.FileInfo
	encoded, err := json.Marshal(rawFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid all_files: %w", err)
	}
	if err := json.Unmarshal(encoded, &allFiles); err != nil {
		return nil, fmt.Errorf("invalid all_files: %w", err)
	}
	if len(allFiles) == 0 {
		return nil, fmt.Errorf("missing 'page_number' or 'all_files' for process_page")
	}

	sessionID := stringField(data, "session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	filesPerPage := intField(data, "files_per_page", defaultFilesPerPage)
	if filesPerPage <= 0 {
		filesPerPage = defaultFilesPerPage
	}

	start := (pageNumber - 1) * filesPerPage
	end := start + filesPerPage
	if start > len(allFiles) {
		start = len(allFiles)
	}
	if end > len(allFiles) {
		end = len(allFiles)
	}
	pageFiles := allFiles[start:end]

	log.Printf("Processing files %d-%d of %d", start+1, end, len(allFiles))

	var mu sync.Mutex
	var metadata []bracketing.FileMetadata

	var g errgroup.Group
	g.SetLimit(exifWorkers)
	for _, file := range pageFiles {
		file := file
		g.Go(func() error {
			if entry := h.extractFileMetadata(provider, file); entry != nil {
				mu.Lock()
				metadata = append(metadata, *entry)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	log.Printf("Page %d complete: %d files processed", pageNumber, len(metadata))

	return &models.PageResult{
		Status:         "page_processed",
		PageNumber:     pageNumber,
		SessionID:      sessionID,
		ProcessedCount: len(metadata),
		Metadata:       metadata,
	}, nil
}

// extractFileMetadata downloads a file and pulls its capture timestamp.
// RAW files (except CR3, whose metadata lives deep in the MP4 container)
// only need the first 64KiB; a failed partial download falls back to the
// full file. Transient failures retry up to three times.
func (h *DiscoveryHandler) extractFileMetadata(provider storage.Provider, file storage.FileInfo) *bracketing.FileMetadata {
	path := file.PathLower
	if path == "" {
		path = file.ID
	}
	if path == "" {
		path = file.PathID
	}
	if path == "" {
		log.Printf("No path for file: %s", file.Name)
		return nil
	}

	for attempt := 1; attempt <= constants.MaxRetries; attempt++ {
		var content []byte
		var err error

		if fileutil.IsRawFile(file.Name) {
			content, err = provider.DownloadFilePartial(path, 0, constants.RawHeaderSize)
			if err != nil {
				content, err = provider.DownloadFile(path)
			}
		} else {
			content, err = provider.DownloadFile(path)
		}

		if err != nil {
			if attempt < constants.MaxRetries {
				log.Printf("Download failed for %s: %v, retrying...", file.Name, err)
				time.Sleep(h.retryDelay)
				continue
			}
			log.Printf("Download failed after %d attempts: %s", constants.MaxRetries, file.Name)
			return nil
		}

		dateTaken, err := bracketing.ExtractCaptureTime(content, file.Name)
		if err != nil || dateTaken == "" {
			log.Printf("No datetime found for: %s", file.Name)
			return nil
		}

		entry := &bracketing.FileMetadata{
			Name:      file.Name,
			PathLower: path,
			DateTaken: dateTaken,
		}
		if fileutil.IsDJIFile(file.Name) {
			entry.Manufacturer = "dji"
		}
		return entry
	}
	return nil
}

// makeBrackets flattens the per-page metadata and groups it into brackets.
func (h *DiscoveryHandler) makeBrackets(data map[string]any) ([][]bracketing.BracketFile, error) {
	aggregated, ok := data["aggregated_metadata"].([]any)
	if !ok || len(aggregated) == 0 {
		return nil, fmt.Errorf("missing 'aggregated_metadata' for make_bracket mode")
	}

	metadata, err := bracketing.FlattenMetadata(aggregated)
	if err != nil {
		return nil, err
	}
	log.Printf("Flattened to %d files", len(metadata))

	timeDelta := bracketing.TimeDeltaWithDJIOverride(floatFieldPtr(data, "time_delta_seconds"), metadata)

	brackets, err := bracketing.Group(metadata, timeDelta)
	if err != nil {
		return nil, err
	}
	sorted := bracketing.SortChronologically(brackets, metadata)

	log.Printf("Created %d brackets from %d files", len(sorted), len(metadata))
	return sorted, nil
}
