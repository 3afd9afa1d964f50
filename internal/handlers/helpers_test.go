package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/storage"
)

// fakeStore is an in-memory storage.Provider.
type fakeStore struct {
	mu            sync.Mutex
	files         []storage.FileInfo
	contents      map[string][]byte
	uploads       map[string][]byte
	downloadErr   map[string]error
	downloadCalls map[string]int
	providerType  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contents:      map[string][]byte{},
		uploads:       map[string][]byte{},
		downloadErr:   map[string]error{},
		downloadCalls: map[string]int{},
		providerType:  "dropbox",
	}
}

func (s *fakeStore) factory(map[string]any, string) (storage.Provider, error) { return s, nil }

func (s *fakeStore) Connect(map[string]any) error { return nil }

func (s *fakeStore) ListFiles(folder string, opts storage.ListOptions) ([]storage.FileInfo, error) {
	files := s.files
	if opts.MaxFiles > 0 && len(files) > opts.MaxFiles {
		files = files[:opts.MaxFiles]
	}
	return files, nil
}

func (s *fakeStore) DownloadFile(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadCalls[path]++
	if err := s.downloadErr[path]; err != nil {
		return nil, err
	}
	content, ok := s.contents[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return content, nil
}

func (s *fakeStore) DownloadFilePartial(path string, start, end int64) ([]byte, error) {
	content, err := s.DownloadFile(path)
	if err != nil {
		return nil, err
	}
	if end > 0 && end < int64(len(content)) {
		content = content[:end]
	}
	return content, nil
}

func (s *fakeStore) UploadFile(remotePath string, content []byte, overwrite bool) (*storage.UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[remotePath] = content
	return &storage.UploadResult{Name: remotePath, Action: "uploaded", Size: int64(len(content))}, nil
}

func (s *fakeStore) FileExists(string) bool              { return true }
func (s *fakeStore) CreateFolder(string) error           { return nil }
func (s *fakeStore) GetUserInfo() storage.UserInfo       { return storage.UserInfo{DisplayName: "Test User"} }
func (s *fakeStore) ProviderType() string                { return s.providerType }
func (s *fakeStore) ProviderName() string                { return "Fake Storage" }
func (s *fakeStore) IsConnected() bool                   { return true }
func (s *fakeStore) ValidatePath(string) bool            { return true }

// fakeEnhancer is an in-memory enhancement.Provider. Status checks pop from
// a per-ticket queue; the last entry repeats.
type fakeEnhancer struct {
	mu         sync.Mutex
	nextID     int
	brackets   map[int][]string
	bracketErr map[int]error
	statuses   map[string][]*enhancement.StatusResult
}

func newFakeEnhancer() *fakeEnhancer {
	return &fakeEnhancer{
		brackets:   map[int][]string{},
		bracketErr: map[int]error{},
		statuses:   map[string][]*enhancement.StatusResult{},
	}
}

func (f *fakeEnhancer) factory(map[string]any, string) (enhancement.Provider, error) { return f, nil }

func (f *fakeEnhancer) UploadImage(filename string, data []byte, contentType string) (string, error) {
	return filename, nil
}

func (f *fakeEnhancer) RequestEnhancement([]string, string, enhancement.EnhanceOptions) (string, error) {
	return "enh", nil
}

func (f *fakeEnhancer) CheckStatus(enhancementID string) (*enhancement.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.statuses[enhancementID]
	if len(queue) == 0 {
		return &enhancement.StatusResult{Status: enhancement.StatusUnknown}, nil
	}
	status := queue[0]
	if len(queue) > 1 {
		f.statuses[enhancementID] = queue[1:]
	}
	return status, nil
}

func (f *fakeEnhancer) GetResultURL(string) (string, error) { return "", nil }

func (f *fakeEnhancer) UploadBracket(files []enhancement.BracketUpload, bracketIndex int, listingID string, opts enhancement.EnhanceOptions) (*enhancement.BracketResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bracketErr[bracketIndex]; err != nil {
		return nil, err
	}
	var names []string
	for _, file := range files {
		names = append(names, file.Name)
	}
	f.brackets[bracketIndex] = names
	f.nextID++
	return &enhancement.BracketResult{
		EnhancementID: fmt.Sprintf("enh-%d", f.nextID),
		FileCount:     len(files),
		BracketIndex:  bracketIndex,
	}, nil
}

func (f *fakeEnhancer) ProviderType() string { return "fotello" }
func (f *fakeEnhancer) ProviderName() string { return "Fake Enhancer" }
func (f *fakeEnhancer) IsConnected() bool    { return true }

// callbackSink records webhook notifications.
type callbackSink struct {
	mu       sync.Mutex
	server   *httptest.Server
	payloads []map[string]any
}

func newCallbackSink(t *testing.T) *callbackSink {
	t.Helper()
	s := &callbackSink{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			s.mu.Lock()
			s.payloads = append(s.payloads, payload)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *callbackSink) all() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.payloads...)
}

func (s *callbackSink) find(key, value string) map[string]any {
	for _, p := range s.all() {
		if v, _ := p[key].(string); v == value {
			return p
		}
	}
	return nil
}

func postJSON(t *testing.T, handler gin.HandlerFunc, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/stage", handler)

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/stage", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}
