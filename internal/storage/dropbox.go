package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/fileutil"
)

// DropboxProvider talks to the Dropbox HTTP API using a refresh token.
// Team accounts are supported via admin impersonation plus namespace
// path-root configuration.
type DropboxProvider struct {
	TokenURL   string
	APIURL     string
	ContentURL string

	httpClient  *http.Client
	accessToken string
	memberID    string
	pathRoot    string
	connected   bool
	userInfo    UserInfo
}

// NewDropboxProvider creates a disconnected provider with production
// endpoints. Credentials are supplied via Connect.
func NewDropboxProvider() *DropboxProvider {
	return &DropboxProvider{
		TokenURL:   constants.DropboxTokenURL,
		APIURL:     constants.DropboxAPIURL,
		ContentURL: constants.DropboxContentURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type dropboxAccount struct {
	Name struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
	Email    string `json:"email"`
	RootInfo struct {
		RootNamespaceID string `json:"root_namespace_id"`
	} `json:"root_info"`
}

// Connect exchanges the refresh token for an access token and verifies the
// account. Credentials: refresh_token, app_key, app_secret (required),
// member_id (optional, team accounts).
func (p *DropboxProvider) Connect(credentials map[string]any) error {
	refreshToken := credentialString(credentials, "refresh_token")
	appKey := credentialString(credentials, "app_key")
	appSecret := credentialString(credentials, "app_secret")
	memberID := credentialString(credentials, "member_id")

	if refreshToken == "" || appKey == "" || appSecret == "" {
		return fmt.Errorf("missing required Dropbox credentials")
	}

	accessToken, err := p.freshToken(refreshToken, appKey, appSecret)
	if err != nil {
		return fmt.Errorf("Dropbox authentication failed: %w", err)
	}
	p.accessToken = accessToken
	p.memberID = memberID

	if memberID != "" {
		// Team account: learn the namespace before scoping requests to it.
		account, err := p.currentAccount()
		if err != nil {
			return fmt.Errorf("Dropbox connection error: %w", err)
		}
		p.pathRoot = account.RootInfo.RootNamespaceID
		log.Printf("Connected to Dropbox Team as member: %s (namespace: %s)", memberID, p.pathRoot)
	}

	account, err := p.currentAccount()
	if err != nil {
		return fmt.Errorf("Dropbox connection error: %w", err)
	}

	accountType := "personal"
	if memberID != "" {
		accountType = "team"
	}
	p.userInfo = UserInfo{
		DisplayName: account.Name.DisplayName,
		Email:       account.Email,
		AccountType: accountType,
		NamespaceID: account.RootInfo.RootNamespaceID,
	}
	p.connected = true
	log.Printf("Authenticated to Dropbox as: %s", p.userInfo.DisplayName)
	return nil
}

func (p *DropboxProvider) freshToken(refreshToken, appKey, appSecret string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {appKey},
		"client_secret": {appSecret},
	}

	resp, err := p.httpClient.PostForm(p.TokenURL, form)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return tokenResp.AccessToken, nil
}

func (p *DropboxProvider) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	if p.memberID != "" {
		req.Header.Set("Dropbox-API-Select-Admin", p.memberID)
	}
	if p.pathRoot != "" {
		req.Header.Set("Dropbox-API-Path-Root",
			fmt.Sprintf(`{".tag": "root", "root": "%s"}`, p.pathRoot))
	}
}

// rpc posts a JSON request to an api.dropboxapi.com endpoint and decodes
// the JSON response into out (which may be nil).
func (p *DropboxProvider) rpc(endpoint string, request any, out any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.APIURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setAuthHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Dropbox API error (%d): %s", resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (p *DropboxProvider) currentAccount() (*dropboxAccount, error) {
	var account dropboxAccount
	if err := p.rpc("/users/get_current_account", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

type dropboxListResponse struct {
	Entries []struct {
		Tag       string `json:".tag"`
		Name      string `json:"name"`
		PathLower string `json:"path_lower"`
		Size      int64  `json:"size"`
	} `json:"entries"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// ListFiles lists files under a folder, following cursor pagination and
// applying extension and max-files filters.
func (p *DropboxProvider) ListFiles(folder string, opts ListOptions) ([]FileInfo, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Dropbox")
	}

	normalized := fileutil.NormalizeDropboxPath(folder)
	log.Printf("Listing Dropbox files in: %s", normalized)

	var files []FileInfo
	request := map[string]any{"path": normalized, "recursive": opts.Recursive}
	endpoint := "/files/list_folder"

	for {
		var page dropboxListResponse
		if err := p.rpc(endpoint, request, &page); err != nil {
			if strings.Contains(err.Error(), "not_found") {
				return nil, fmt.Errorf("folder not found: %s", normalized)
			}
			return nil, err
		}

		for _, entry := range page.Entries {
			if entry.Tag != "file" {
				continue
			}
			if !matchesExtensions(entry.Name, opts.Extensions) {
				continue
			}
			if !fileutil.ValidateDropboxPath(entry.PathLower) {
				log.Printf("Skipping invalid path format: %s", entry.PathLower)
				continue
			}

			files = append(files, FileInfo{
				Name:      entry.Name,
				PathLower: entry.PathLower,
				Size:      entry.Size,
			})
			if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
				log.Printf("Reached file limit: %d", len(files))
				return files, nil
			}
		}

		if !page.HasMore {
			break
		}
		endpoint = "/files/list_folder_continue"
		request = map[string]any{"cursor": page.Cursor}
	}

	log.Printf("Found %d Dropbox files", len(files))
	return files, nil
}

// content posts to a content.dropboxapi.com endpoint with the operation
// arguments carried in the Dropbox-API-Arg header.
func (p *DropboxProvider) content(endpoint string, arg any, body io.Reader, extraHeaders map[string]string, timeout time.Duration) ([]byte, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal API arg: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.ContentURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setAuthHeaders(req)
	req.Header.Set("Dropbox-API-Arg", string(argJSON))
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	client := p.httpClient
	if timeout > 0 {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("file not found")
		}
		return nil, fmt.Errorf("Dropbox content error (%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

// DownloadFile fetches the complete file content.
func (p *DropboxProvider) DownloadFile(path string) ([]byte, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Dropbox")
	}

	normalized := fileutil.NormalizeDropboxPath(path)
	data, err := p.content("/files/download", map[string]string{"path": normalized}, nil, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("download failed for %s: %w", normalized, err)
	}
	return data, nil
}

// DownloadFilePartial fetches a byte range using an HTTP Range header.
func (p *DropboxProvider) DownloadFilePartial(path string, start, end int64) ([]byte, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Dropbox")
	}

	normalized := fileutil.NormalizeDropboxPath(path)
	rangeHeader := fmt.Sprintf("bytes=%d-", start)
	if end > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end-1)
	}

	data, err := p.content("/files/download", map[string]string{"path": normalized}, nil,
		map[string]string{"Range": rangeHeader}, 0)
	if err != nil {
		return nil, fmt.Errorf("partial download failed for %s: %w", normalized, err)
	}
	return data, nil
}

// UploadFile stores content at remotePath. Files at or below the chunk
// threshold use a single request; larger files go through an upload session.
func (p *DropboxProvider) UploadFile(remotePath string, content []byte, overwrite bool) (*UploadResult, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Dropbox")
	}

	normalized := fileutil.NormalizeDropboxPath(remotePath)
	mode := "add"
	if overwrite {
		mode = "overwrite"
	}

	timeout := time.Duration(fileutil.CalculateUploadTimeout(
		normalized, int64(len(content)), constants.BaseUploadTimeoutSeconds)) * time.Second

	if len(content) <= constants.UploadChunkSize {
		arg := map[string]any{"path": normalized, "mode": mode}
		if _, err := p.content("/files/upload", arg, bytes.NewReader(content), nil, timeout); err != nil {
			return nil, fmt.Errorf("upload failed for %s: %w", normalized, err)
		}
	} else if err := p.chunkedUpload(normalized, content, mode, timeout); err != nil {
		return nil, fmt.Errorf("upload failed for %s: %w", normalized, err)
	}

	log.Printf("Uploaded to Dropbox: %s", normalized)
	return &UploadResult{
		Name:   normalized,
		Action: "uploaded",
		Size:   int64(len(content)),
	}, nil
}

func (p *DropboxProvider) chunkedUpload(remotePath string, content []byte, mode string, timeout time.Duration) error {
	total := int64(len(content))

	startResp, err := p.content("/files/upload_session/start", map[string]any{},
		bytes.NewReader(content[:constants.UploadChunkSize]), nil, timeout)
	if err != nil {
		return fmt.Errorf("upload session start failed: %w", err)
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(startResp, &session); err != nil {
		return fmt.Errorf("failed to decode session response: %w", err)
	}

	offset := int64(constants.UploadChunkSize)
	for offset < total {
		chunkEnd := offset + constants.UploadChunkSize
		if chunkEnd > total {
			chunkEnd = total
		}
		chunk := content[offset:chunkEnd]
		cursor := map[string]any{"session_id": session.SessionID, "offset": offset}

		if chunkEnd < total {
			arg := map[string]any{"cursor": cursor}
			if _, err := p.content("/files/upload_session/append_v2", arg, bytes.NewReader(chunk), nil, timeout); err != nil {
				return fmt.Errorf("upload session append failed: %w", err)
			}
			offset = chunkEnd
		} else {
			arg := map[string]any{
				"cursor": cursor,
				"commit": map[string]any{"path": remotePath, "mode": mode},
			}
			if _, err := p.content("/files/upload_session/finish", arg, bytes.NewReader(chunk), nil, timeout); err != nil {
				return fmt.Errorf("upload session finish failed: %w", err)
			}
			break
		}
	}
	return nil
}

// CreateFolder creates a folder; an existing folder is not an error.
func (p *DropboxProvider) CreateFolder(folderPath string) error {
	if !p.connected {
		return fmt.Errorf("not connected to Dropbox")
	}

	normalized := fileutil.NormalizeDropboxPath(folderPath)
	err := p.rpc("/files/create_folder_v2", map[string]string{"path": normalized}, nil)
	if err != nil {
		if strings.Contains(err.Error(), "path/conflict/folder") {
			log.Printf("Dropbox folder already exists: %s", normalized)
			return nil
		}
		return fmt.Errorf("failed to create folder %s: %w", normalized, err)
	}
	log.Printf("Created Dropbox folder: %s", normalized)
	return nil
}

// FileExists checks path metadata; any API failure reads as absent.
func (p *DropboxProvider) FileExists(path string) bool {
	if !p.connected {
		return false
	}
	normalized := fileutil.NormalizeDropboxPath(path)
	return p.rpc("/files/get_metadata", map[string]string{"path": normalized}, nil) == nil
}

func (p *DropboxProvider) GetUserInfo() UserInfo { return p.userInfo }

func (p *DropboxProvider) ProviderType() string { return constants.StorageProviderDropbox }

func (p *DropboxProvider) ProviderName() string { return "Dropbox" }

func (p *DropboxProvider) IsConnected() bool { return p.connected }

// ValidatePath reports whether the path normalizes to path_lower format.
func (p *DropboxProvider) ValidatePath(path string) bool {
	if path == "" {
		return false
	}
	return fileutil.ValidateDropboxPath(fileutil.NormalizeDropboxPath(path))
}
