package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/storage"
)

func discoveryCredentials() map[string]any {
	return map[string]any{
		"client_id":             "acme",
		"storage_provider":      "dropbox",
		"dropbox_refresh_token": "tok",
		"dropbox_app_key":       "app-key-1234567890",
		"dropbox_app_secret":    "secret",
	}
}

func TestDiscoveryInvalidMode(t *testing.T) {
	h := NewDiscoveryHandler(newFakeStore().factory)
	w, resp := postJSON(t, h.Discover, map[string]any{"mode": "explore"})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "invalid mode")
}

func TestDiscoveryMissingClientID(t *testing.T) {
	h := NewDiscoveryHandler(newFakeStore().factory)
	w, resp := postJSON(t, h.Discover, map[string]any{"mode": "discovery"})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "client_id")
}

func TestDiscoveryListsAndPaginates(t *testing.T) {
	store := newFakeStore()
	for i := 1; i <= 5; i++ {
		store.files = append(store.files, storage.FileInfo{
			Name:      fmt.Sprintf("IMG_%04d.jpg", i),
			PathLower: fmt.Sprintf("/shoot/img_%04d.jpg", i),
		})
	}

	payload := discoveryCredentials()
	payload["mode"] = "discovery"
	payload["dropbox_folder"] = "/shoot"
	payload["files_per_page"] = 2

	h := NewDiscoveryHandler(store.factory)
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "discovery_success", resp["status"])
	assert.Equal(t, float64(5), resp["total_files"])
	assert.Equal(t, float64(3), resp["total_pages"])
	assert.Equal(t, float64(2), resp["files_per_page"])
	assert.NotEmpty(t, resp["session_id"])
	assert.Equal(t, false, resp["file_limit_active"])
	assert.Len(t, resp["all_files"], 5)
}

func TestDiscoveryMaxFiles(t *testing.T) {
	store := newFakeStore()
	for i := 1; i <= 5; i++ {
		store.files = append(store.files, storage.FileInfo{
			Name:      fmt.Sprintf("IMG_%04d.jpg", i),
			PathLower: fmt.Sprintf("/shoot/img_%04d.jpg", i),
		})
	}

	payload := discoveryCredentials()
	payload["mode"] = "discovery"
	payload["dropbox_folder"] = "/shoot"
	payload["max_files"] = "3"

	h := NewDiscoveryHandler(store.factory)
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp["total_files"])
	assert.Equal(t, true, resp["file_limit_active"])
	assert.Equal(t, float64(3), resp["max_files_applied"])
}

func TestDiscoveryMissingFolder(t *testing.T) {
	payload := discoveryCredentials()
	payload["mode"] = "discovery"

	h := NewDiscoveryHandler(newFakeStore().factory)
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "missing folder path")
}

func TestProcessPageRetriesFailedDownloads(t *testing.T) {
	store := newFakeStore()
	store.downloadErr["/shoot/img_0003.jpg"] = fmt.Errorf("transient failure")

	allFiles := []map[string]any{
		{"name": "IMG_0001.jpg", "path_lower": "/shoot/img_0001.jpg"},
		{"name": "IMG_0002.jpg", "path_lower": "/shoot/img_0002.jpg"},
		{"name": "IMG_0003.jpg", "path_lower": "/shoot/img_0003.jpg"},
	}

	payload := discoveryCredentials()
	payload["mode"] = "process_page"
	payload["page_number"] = 2
	payload["files_per_page"] = 2
	payload["session_id"] = "sess-1"
	payload["all_files"] = allFiles

	h := NewDiscoveryHandler(store.factory)
	h.retryDelay = 0
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "page_processed", resp["status"])
	assert.Equal(t, float64(2), resp["page_number"])
	assert.Equal(t, "sess-1", resp["session_id"])
	// The only file on page 2 never downloads; three attempts, no metadata.
	assert.Equal(t, float64(0), resp["processed_count"])
	assert.Equal(t, 3, store.downloadCalls["/shoot/img_0003.jpg"])
	// Page 1 files are untouched.
	assert.Zero(t, store.downloadCalls["/shoot/img_0001.jpg"])
}

func TestProcessPageRawUsesPartialDownload(t *testing.T) {
	store := newFakeStore()
	store.contents["/shoot/img_0001.dng"] = []byte("not-a-real-raw-file")

	payload := discoveryCredentials()
	payload["mode"] = "process_page"
	payload["page_number"] = 1
	payload["all_files"] = []map[string]any{
		{"name": "IMG_0001.dng", "path_lower": "/shoot/img_0001.dng"},
	}

	h := NewDiscoveryHandler(store.factory)
	h.retryDelay = 0
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusOK, w.Code)
	// No EXIF in the fake bytes, so nothing is extracted, but the download
	// path is exercised without error.
	assert.Equal(t, float64(0), resp["processed_count"])
	assert.NotZero(t, store.downloadCalls["/shoot/img_0001.dng"])
}

func TestProcessPageMissingArguments(t *testing.T) {
	payload := discoveryCredentials()
	payload["mode"] = "process_page"

	h := NewDiscoveryHandler(newFakeStore().factory)
	w, resp := postJSON(t, h.Discover, payload)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "page_number")
}

func TestMakeBracketGroupsMetadata(t *testing.T) {
	// Two pages of aggregated metadata, out of order; 2s default delta
	// splits them into two brackets sorted chronologically.
	payload := map[string]any{
		"mode": "make_bracket",
		"aggregated_metadata": []any{
			[]any{
				map[string]any{"name": "IMG_0003.jpg", "path_lower": "/shoot/img_0003.jpg", "date_taken": "2026-08-20T10:15:00"},
				map[string]any{"name": "IMG_0004.jpg", "path_lower": "/shoot/img_0004.jpg", "date_taken": "2026-08-20T10:15:01"},
			},
			[]any{
				map[string]any{"name": "IMG_0001.jpg", "path_lower": "/shoot/img_0001.jpg", "date_taken": "2026-08-20T10:00:00"},
				map[string]any{"name": "IMG_0002.jpg", "path_lower": "/shoot/img_0002.jpg", "date_taken": "2026-08-20T10:00:02"},
			},
		},
	}

	h := NewDiscoveryHandler(newFakeStore().factory)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/stage", h.Discover)
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/stage", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var brackets [][]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &brackets))
	require.Len(t, brackets, 2)
	assert.Equal(t, "IMG_0001.jpg", brackets[0][0]["name"])
	assert.Equal(t, "IMG_0002.jpg", brackets[0][1]["name"])
	assert.Equal(t, "IMG_0003.jpg", brackets[1][0]["name"])
	assert.Equal(t, "IMG_0004.jpg", brackets[1][1]["name"])
}

func TestMakeBracketMissingMetadata(t *testing.T) {
	h := NewDiscoveryHandler(newFakeStore().factory)
	w, resp := postJSON(t, h.Discover, map[string]any{"mode": "make_bracket"})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "aggregated_metadata")
}
