package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/config"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/storage"
)

func processPayload(callbackURL string) map[string]any {
	return map[string]any{
		"job_id":           "job-1",
		"client_id":        "acme",
		"listing_id":       "listing-42",
		"callback_webhook": callbackURL,
		"brackets_data": []any{
			[]any{
				map[string]any{"name": "IMG_0001.jpg", "path_lower": "/shoot/img_0001.jpg"},
				map[string]any{"name": "IMG_0002.jpg", "path_lower": "/shoot/img_0002.jpg"},
			},
			[]any{
				map[string]any{"name": "IMG_0003.jpg", "path_lower": "/shoot/img_0003.jpg"},
				map[string]any{"name": "IMG_0004.jpg", "path_lower": "/shoot/img_0004.jpg"},
			},
		},
		"storage_provider":           "dropbox",
		"enhancement_provider":       "fotello",
		"dropbox_refresh_token":      "tok",
		"dropbox_app_key":            "app-key-1234567890",
		"dropbox_app_secret":         "secret",
		"dropbox_destination_folder": "/enhanced",
		"fotello_api_key":            "fotello-key",
		"notification_level":         "verbose",
		"correlation_id":             "corr-process",
	}
}

func seededStore() *fakeStore {
	store := newFakeStore()
	store.contents["/shoot/img_0001.jpg"] = []byte("jpeg-1")
	store.contents["/shoot/img_0002.jpg"] = []byte("jpeg-2")
	store.contents["/shoot/img_0003.jpg"] = []byte("jpeg-3")
	store.contents["/shoot/img_0004.jpg"] = []byte("jpeg-4")
	return store
}

func TestProcessBracketsAndCallsFinalize(t *testing.T) {
	store := seededStore()
	// One missing file is non-fatal for its bracket.
	store.downloadErr["/shoot/img_0004.jpg"] = fmt.Errorf("download failed")
	enhancer := newFakeEnhancer()
	sink := newCallbackSink(t)

	finalizeReceived := make(chan map[string]any, 1)
	finalizeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		finalizeReceived <- payload
	}))
	t.Cleanup(finalizeSrv.Close)

	h := NewProcessHandler(&config.Config{FinalizeFunctionURL: finalizeSrv.URL}, store.factory, enhancer.factory)
	w, resp := postJSON(t, h.Process, processPayload(sink.server.URL))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "enhancement_requested", resp["status"])
	assert.Equal(t, "job-1", resp["job_id"])
	assert.Equal(t, float64(3), resp["files_processed"])
	assert.Equal(t, float64(3), resp["files_uploaded"])
	assert.Equal(t, float64(2), resp["brackets_processed"])
	assert.Equal(t, float64(2), resp["enhancement_requests"])
	assert.Equal(t, "corr-process", resp["correlation_id"])

	// Both brackets reached the enhancer, minus the failed file.
	assert.Equal(t, []string{"IMG_0001.jpg", "IMG_0002.jpg"}, enhancer.brackets[0])
	assert.Equal(t, []string{"IMG_0003.jpg"}, enhancer.brackets[1])

	select {
	case payload := <-finalizeReceived:
		assert.Equal(t, "job-1", payload["job_id"])
		assert.Equal(t, "listing-42", payload["listing_id"])
		assert.Equal(t, float64(2), payload["total_brackets"])
		assert.Equal(t, float64(2), payload["processed_brackets"])
		// Storage credentials pass through for the result uploads.
		assert.Equal(t, "tok", payload["dropbox_refresh_token"])
		assert.Equal(t, "/enhanced", payload["dropbox_destination_folder"])
		assert.Equal(t, "fotello-key", payload["fotello_api_key"])
		tickets, _ := payload["enhancement_ids"].([]any)
		require.Len(t, tickets, 2)
	case <-time.After(3 * time.Second):
		t.Fatal("finalize was never called")
	}

	assert.NotNil(t, sink.find("debug_status", "process_started"))
	assert.NotNil(t, sink.find("debug_status", "process_completed_success"))
}

func TestProcessSkipFinalize(t *testing.T) {
	store := seededStore()
	enhancer := newFakeEnhancer()
	sink := newCallbackSink(t)

	finalizeCalled := false
	finalizeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		finalizeCalled = true
	}))
	t.Cleanup(finalizeSrv.Close)

	payload := processPayload(sink.server.URL)
	payload["skip_finalize"] = true

	h := NewProcessHandler(&config.Config{FinalizeFunctionURL: finalizeSrv.URL}, store.factory, enhancer.factory)
	w, resp := postJSON(t, h.Process, payload)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "enhancement_requested", resp["status"])
	assert.Equal(t, true, resp["skip_finalize"])
	assert.False(t, finalizeCalled)

	tickets, _ := resp["enhancement_ids"].([]any)
	require.Len(t, tickets, 2)
	first, _ := tickets[0].(map[string]any)
	assert.Equal(t, "enh-1", first["enhancement_id"])
	assert.Equal(t, float64(0), first["bracket_index"])
	assert.Equal(t, float64(2), first["file_count"])

	// The caller's webhook gets the business result for delayed retrieval.
	result := sink.find("status", "enhancement_requested")
	require.NotNil(t, result)
	assert.Equal(t, float64(2), result["successful_enhancements"])
}

func TestProcessOversizedFileSkipped(t *testing.T) {
	store := seededStore()
	// 51MB exceeds the JPEG cap.
	store.contents["/shoot/img_0001.jpg"] = make([]byte, 51*1024*1024)
	enhancer := newFakeEnhancer()
	sink := newCallbackSink(t)

	h := NewProcessHandler(&config.Config{}, store.factory, enhancer.factory)
	w, resp := postJSON(t, h.Process, processPayload(sink.server.URL))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp["files_processed"])
	assert.Equal(t, []string{"IMG_0002.jpg"}, enhancer.brackets[0])
}

func TestProcessAllBracketsFail(t *testing.T) {
	store := seededStore()
	enhancer := newFakeEnhancer()
	enhancer.bracketErr[0] = fmt.Errorf("no files uploaded successfully for bracket 1")
	enhancer.bracketErr[1] = fmt.Errorf("no files uploaded successfully for bracket 2")
	sink := newCallbackSink(t)

	h := NewProcessHandler(&config.Config{}, store.factory, enhancer.factory)
	w, resp := postJSON(t, h.Process, processPayload(sink.server.URL))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "job_failed", resp["status"])
	assert.Equal(t, "No brackets were successfully processed", resp["error"])
	assert.Equal(t, float64(4), resp["files_processed"])
	assert.Equal(t, float64(0), resp["brackets_processed"])

	require.NotNil(t, sink.find("debug_status", "job_failed"))
}

func TestProcessMissingFields(t *testing.T) {
	h := NewProcessHandler(&config.Config{}, newFakeStore().factory, newFakeEnhancer().factory)
	w, resp := postJSON(t, h.Process, map[string]any{"job_id": "job-1"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "job_failed", resp["status"])
	assert.Contains(t, resp["error"], "listing_id")
	assert.Contains(t, resp["error"], "callback_webhook")
}

func TestProcessNoBrackets(t *testing.T) {
	payload := processPayload("https://hooks.example.com/x")
	payload["brackets_data"] = []any{}

	h := NewProcessHandler(&config.Config{}, newFakeStore().factory, newFakeEnhancer().factory)
	w, resp := postJSON(t, h.Process, payload)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No brackets_data found in payload", resp["error"])
}

func TestProcessStorageConnectionFailure(t *testing.T) {
	sink := newCallbackSink(t)
	failingFactory := func(map[string]any, string) (storage.Provider, error) {
		return nil, fmt.Errorf("invalid refresh token")
	}

	h := NewProcessHandler(&config.Config{}, failingFactory, newFakeEnhancer().factory)
	w, resp := postJSON(t, h.Process, processPayload(sink.server.URL))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "job_failed", resp["status"])
	assert.Contains(t, resp["error"], "Storage connection failed")
	require.NotNil(t, sink.find("debug_status", "storage_connection_failed"))
}

func TestProcessAutoHDRInvalidKeyFailsJob(t *testing.T) {
	autohdrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid or inactive API key"})
	}))
	t.Cleanup(autohdrSrv.Close)
	t.Setenv("AUTOHDR_BASE_URL", autohdrSrv.URL)
	sink := newCallbackSink(t)

	payload := processPayload(sink.server.URL)
	payload["enhancement_provider"] = "autohdr"
	payload["autohdr_api_key"] = "bad-key"
	payload["autohdr_email"] = "ops@example.com"
	delete(payload, "fotello_api_key")

	// Real factory: the invalid key must fail at provider creation.
	h := NewProcessHandler(&config.Config{}, seededStore().factory, enhancement.CreateFromPayload)
	w, resp := postJSON(t, h.Process, payload)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "job_failed", resp["status"])
	assert.Contains(t, resp["error"], "AutoHDR authentication failed")
	require.NotNil(t, sink.find("debug_status", "enhancement_connection_failed"))
}

func TestProcessEnhancementConnectionFailure(t *testing.T) {
	sink := newCallbackSink(t)
	failingFactory := func(map[string]any, string) (enhancement.Provider, error) {
		return nil, fmt.Errorf("API key required for fotello provider")
	}

	h := NewProcessHandler(&config.Config{}, seededStore().factory, failingFactory)
	w, resp := postJSON(t, h.Process, processPayload(sink.server.URL))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, resp["error"], "Enhancement provider connection failed")
}
