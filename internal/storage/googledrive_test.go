package storage_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/storage"
)

type fakeDrive struct {
	server       *httptest.Server
	mux          *http.ServeMux
	existingName string
	updates      map[string][]byte
	creates      []string
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	f := &fakeDrive{mux: http.NewServeMux(), updates: map[string][]byte{}}

	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("refresh_token") != "good-refresh" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error": "invalid_grant"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "drive-token", "expires_in": 3600})
	})

	f.mux.HandleFunc("/drive/about", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]string{"emailAddress": "drive@example.com", "displayName": "Drive User"},
		})
	})

	f.mux.HandleFunc("/drive/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			// Folder creation.
			body, _ := io.ReadAll(r.Body)
			f.creates = append(f.creates, string(body))
			json.NewEncoder(w).Encode(map[string]string{"id": "new-folder-id"})
			return
		}

		query := r.URL.Query().Get("q")
		if strings.Contains(query, "name=") {
			// Name-collision check before upload.
			files := []map[string]string{}
			if f.existingName != "" && strings.Contains(query, "name='"+f.existingName+"'") {
				files = append(files, map[string]string{"id": "existing-id"})
			}
			json.NewEncoder(w).Encode(map[string]any{"files": files})
			return
		}

		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "page-2",
				"files": []map[string]any{
					{"id": "id-1", "name": "IMG_0001.jpg", "mimeType": "image/jpeg", "size": "1000"},
					{"id": "id-2", "name": "notes.txt", "mimeType": "text/plain", "size": "10"},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"id": "id-3", "name": "DJI_0001.dng", "mimeType": "application/octet-stream", "size": "2000"},
			},
		})
	})

	f.mux.HandleFunc("/drive/files/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/drive/files/")
		if id == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			w.Write([]byte("drive-bytes-" + id))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	f.mux.HandleFunc("/upload/files", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "created-id"})
	})

	f.mux.HandleFunc("/upload/files/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/upload/files/")
		body, _ := io.ReadAll(r.Body)
		f.updates[id] = body
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDrive) connect(t *testing.T) *storage.GoogleDriveProvider {
	t.Helper()
	p := storage.NewGoogleDriveProvider()
	p.TokenURL = f.server.URL + "/token"
	p.APIURL = f.server.URL + "/drive"
	p.UploadURL = f.server.URL + "/upload"

	require.NoError(t, p.Connect(map[string]any{
		"client_id":     "client-id",
		"client_secret": "client-secret",
		"refresh_token": "good-refresh",
	}))
	return p
}

func TestDriveConnectTracksTokenRefresh(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	assert.True(t, p.IsConnected())
	assert.Equal(t, "drive@example.com", p.GetUserInfo().Email)

	require.True(t, p.WasTokenRefreshed())
	refreshed := p.RefreshedToken()
	require.NotNil(t, refreshed)
	assert.Equal(t, "drive-token", refreshed["token"])
	assert.Equal(t, "good-refresh", refreshed["refresh_token"])
	assert.NotContains(t, refreshed, "client_secret")
}

func TestDriveConnectMissingCredentials(t *testing.T) {
	p := storage.NewGoogleDriveProvider()
	err := p.Connect(map[string]any{"client_id": "x", "client_secret": "y"})
	assert.ErrorContains(t, err, "refresh_token")
}

func TestDriveConnectRefreshFailure(t *testing.T) {
	f := newFakeDrive(t)
	p := storage.NewGoogleDriveProvider()
	p.TokenURL = f.server.URL + "/token"
	p.APIURL = f.server.URL + "/drive"

	err := p.Connect(map[string]any{
		"client_id":     "client-id",
		"client_secret": "client-secret",
		"refresh_token": "revoked",
	})
	assert.ErrorContains(t, err, "re-authorize")
	assert.False(t, p.WasTokenRefreshed())
}

func TestDriveListFiles(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	files, err := p.ListFiles("folder-id-123", storage.ListOptions{})
	require.NoError(t, err)

	// notes.txt filtered by extension; both pages followed.
	require.Len(t, files, 2)
	assert.Equal(t, "IMG_0001.jpg", files[0].Name)
	assert.Equal(t, "img_0001.jpg", files[0].PathLower)
	assert.Equal(t, "id-1", files[0].PathID)
	assert.Equal(t, int64(1000), files[0].Size)
	assert.Equal(t, "DJI_0001.dng", files[1].Name)
}

func TestDriveDownload(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	data, err := p.DownloadFile("id-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("drive-bytes-id-1"), data)

	_, err = p.DownloadFile("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestDriveDownloadPartialSlices(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	data, err := p.DownloadFilePartial("id-1", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("drive"), data)

	// Range past the end is clamped.
	data, err = p.DownloadFilePartial("id-1", 6, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes-id-1"), data)
}

func TestDriveUploadCreates(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	result, err := p.UploadFile("folder-id/1_enhanced.jpg", []byte("jpeg"), true)
	require.NoError(t, err)
	assert.Equal(t, "created", result.Action)
	assert.Equal(t, "created-id", result.ID)
}

func TestDriveUploadUpdatesExisting(t *testing.T) {
	f := newFakeDrive(t)
	f.existingName = "1_enhanced.jpg"
	p := f.connect(t)

	result, err := p.UploadFile("folder-id/1_enhanced.jpg", []byte("jpeg-v2"), true)
	require.NoError(t, err)
	assert.Equal(t, "updated", result.Action)
	assert.Equal(t, "existing-id", result.ID)
	assert.Equal(t, []byte("jpeg-v2"), f.updates["existing-id"])
}

func TestDriveUploadBadPath(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	_, err := p.UploadFile("no-folder-component.jpg", []byte("x"), true)
	assert.ErrorContains(t, err, "folder_id/filename")
}

func TestDriveFileExists(t *testing.T) {
	f := newFakeDrive(t)
	p := f.connect(t)

	assert.True(t, p.FileExists("id-1"))
	assert.False(t, p.FileExists("missing"))
}

func TestDriveValidatePath(t *testing.T) {
	p := storage.NewGoogleDriveProvider()
	assert.True(t, p.ValidatePath("1aBcD2efGhIJkLmNoP"))
	assert.False(t, p.ValidatePath("short"))
	assert.False(t, p.ValidatePath("/photos/file.jpg"))
	assert.False(t, p.ValidatePath(""))
}
