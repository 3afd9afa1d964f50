package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/fileutil"
)

// driveSupportedMimeTypes is the MIME filter applied in the files.list
// query. application/octet-stream is included because Drive frequently
// misidentifies DNG files.
var driveSupportedMimeTypes = []string{
	"image/jpeg", "image/jpg", "image/png", "image/gif",
	"image/bmp", "image/webp", "image/tiff", "image/svg+xml",
	"image/heic", "image/heif",
	"image/x-canon-cr2", "image/x-canon-cr3", "image/x-canon-crw",
	"image/x-nikon-nef", "image/x-nikon-nrw",
	"image/x-sony-arw", "image/x-sony-sr2", "image/x-sony-srf",
	"image/x-adobe-dng", "image/dng", "image/x-dng",
	"application/octet-stream",
	"image/x-panasonic-raw", "image/x-panasonic-rw2",
	"image/x-olympus-orf",
	"image/x-fuji-raf",
	"image/x-pentax-pef", "image/x-pentax-dng",
}

// driveSupportedExtensions is the fallback filter for listings without an
// explicit extension set.
var driveSupportedExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".tif", ".svg",
	".heic", ".heif",
	".cr2", ".cr3", ".crw",
	".nef", ".nrw",
	".arw", ".sr2", ".srf",
	".dng", ".raw", ".rw2",
	".orf", ".raf", ".pef",
}

var driveIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{10,50}$`)

// GoogleDriveProvider talks to the Drive v3 API with OAuth2 refresh-token
// authentication. Unlike Dropbox, files are addressed by ID; upload
// destinations use the "<folder_id>/<filename>" form.
type GoogleDriveProvider struct {
	TokenURL  string
	APIURL    string
	UploadURL string

	httpClient   *http.Client
	clientID     string
	clientSecret string
	refreshToken string
	accessToken  string
	connected    bool
	userInfo     UserInfo

	tokenRefreshed bool
	refreshedToken map[string]any
}

// NewGoogleDriveProvider creates a disconnected provider with production
// endpoints.
func NewGoogleDriveProvider() *GoogleDriveProvider {
	return &GoogleDriveProvider{
		TokenURL:   constants.GoogleTokenURL,
		APIURL:     constants.GoogleDriveAPIURL,
		UploadURL:  constants.GoogleDriveUploadURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Connect refreshes the access token and verifies the account.
// Credentials: client_id, client_secret, refresh_token (all required).
func (p *GoogleDriveProvider) Connect(credentials map[string]any) error {
	p.clientID = credentialString(credentials, "client_id")
	p.clientSecret = credentialString(credentials, "client_secret")
	p.refreshToken = credentialString(credentials, "refresh_token")

	switch {
	case p.clientID == "":
		return fmt.Errorf("missing required credential: client_id")
	case p.clientSecret == "":
		return fmt.Errorf("missing required credential: client_secret")
	case p.refreshToken == "":
		return fmt.Errorf("missing required credential: refresh_token")
	}

	if err := p.refreshAccessToken(); err != nil {
		return fmt.Errorf("Google Drive connection failed: %w", err)
	}

	body, err := p.get(p.APIURL + "/about?fields=user")
	if err != nil {
		return fmt.Errorf("Google Drive connection failed: %w", err)
	}

	var about struct {
		User struct {
			EmailAddress string `json:"emailAddress"`
			DisplayName  string `json:"displayName"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &about); err != nil {
		return fmt.Errorf("failed to decode about response: %w", err)
	}

	p.userInfo = UserInfo{
		Email:       about.User.EmailAddress,
		DisplayName: about.User.DisplayName,
		AccountType: "personal",
	}
	p.connected = true
	log.Printf("Connected to Google Drive as: %s", p.userInfo.Email)
	return nil
}

func (p *GoogleDriveProvider) refreshAccessToken() error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.refreshToken},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}

	resp, err := p.httpClient.PostForm(p.TokenURL, form)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token refresh failed (%d): %s (user may need to re-authorize)",
			resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return fmt.Errorf("no access token in refresh response")
	}

	p.accessToken = tokenResp.AccessToken
	p.tokenRefreshed = true
	p.refreshedToken = map[string]any{
		"token":         tokenResp.AccessToken,
		"refresh_token": p.refreshToken,
		"token_uri":     p.TokenURL,
		"client_id":     p.clientID,
		"expiry":        time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Format(time.RFC3339),
	}
	return nil
}

// WasTokenRefreshed reports whether this session minted a new access token.
func (p *GoogleDriveProvider) WasTokenRefreshed() bool { return p.tokenRefreshed }

// RefreshedToken returns the refreshed token data, nil if never refreshed.
// The client secret is deliberately left out.
func (p *GoogleDriveProvider) RefreshedToken() map[string]any {
	if !p.tokenRefreshed {
		return nil
	}
	return p.refreshedToken
}

func (p *GoogleDriveProvider) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+p.accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("file not found")
		}
		return nil, fmt.Errorf("Drive API error (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (p *GoogleDriveProvider) get(rawURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return p.do(req)
}

type driveFileItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         string `json:"size"`
	CreatedTime  string `json:"createdTime"`
	ModifiedTime string `json:"modifiedTime"`
}

// ListFiles lists image files in a folder (by folder ID), filtering by MIME
// type in the query and by extension on the results.
func (p *GoogleDriveProvider) ListFiles(folder string, opts ListOptions) ([]FileInfo, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Google Drive")
	}

	log.Printf("Listing Drive files in folder: %s", folder)

	mimeClauses := make([]string, len(driveSupportedMimeTypes))
	for i, mt := range driveSupportedMimeTypes {
		mimeClauses[i] = fmt.Sprintf("mimeType='%s'", mt)
	}
	query := fmt.Sprintf("'%s' in parents and trashed=false and (%s)",
		folder, strings.Join(mimeClauses, " or "))

	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = driveSupportedExtensions
	}

	var files []FileInfo
	pageToken := ""

	for {
		params := url.Values{
			"q":                         {query},
			"spaces":                    {"drive"},
			"fields":                    {"nextPageToken, files(id, name, mimeType, size, createdTime, modifiedTime)"},
			"pageSize":                  {"100"},
			"includeItemsFromAllDrives": {"true"},
			"supportsAllDrives":         {"true"},
			"corpora":                   {"allDrives"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		body, err := p.get(p.APIURL + "/files?" + params.Encode())
		if err != nil {
			return nil, fmt.Errorf("error listing files: %w", err)
		}

		var page struct {
			NextPageToken string          `json:"nextPageToken"`
			Files         []driveFileItem `json:"files"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode file list: %w", err)
		}

		for _, item := range page.Files {
			if !matchesExtensions(item.Name, extensions) {
				continue
			}
			if item.MimeType == "application/octet-stream" {
				log.Printf("Detected misidentified file: %s (MIME: %s)", item.Name, item.MimeType)
			}

			size, _ := strconv.ParseInt(item.Size, 10, 64)
			files = append(files, FileInfo{
				ID:           item.ID,
				Name:         item.Name,
				PathLower:    strings.ToLower(item.Name),
				PathID:       item.ID,
				Size:         size,
				MimeType:     item.MimeType,
				CreatedTime:  item.CreatedTime,
				ModifiedTime: item.ModifiedTime,
			})
			if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
				log.Printf("Reached file limit: %d/%d", len(files), opts.MaxFiles)
				return files, nil
			}
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	log.Printf("Found %d image files in Drive folder", len(files))
	return files, nil
}

// DownloadFile fetches the complete file content by file ID.
func (p *GoogleDriveProvider) DownloadFile(path string) ([]byte, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Google Drive")
	}

	body, err := p.get(p.APIURL + "/files/" + url.PathEscape(path) + "?alt=media&supportsAllDrives=true")
	if err != nil {
		return nil, fmt.Errorf("error downloading file %s: %w", path, err)
	}
	return body, nil
}

// DownloadFilePartial downloads the whole file and slices it. The Drive
// media endpoint ignores Range for many file types, so the full download is
// the dependable route.
func (p *GoogleDriveProvider) DownloadFilePartial(path string, start, end int64) ([]byte, error) {
	content, err := p.DownloadFile(path)
	if err != nil {
		return nil, err
	}
	if start > int64(len(content)) {
		start = int64(len(content))
	}
	if end <= 0 || end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[start:end], nil
}

// UploadFile stores content under "<folder_id>/<filename>". When overwrite
// is set and a file of the same name exists in the folder, its media is
// updated in place; otherwise a new file is created via multipart upload.
func (p *GoogleDriveProvider) UploadFile(remotePath string, content []byte, overwrite bool) (*UploadResult, error) {
	if !p.connected {
		return nil, fmt.Errorf("not connected to Google Drive")
	}

	idx := strings.LastIndex(remotePath, "/")
	if idx <= 0 || idx == len(remotePath)-1 {
		return nil, fmt.Errorf("remote path must be in format 'folder_id/filename'")
	}
	folderID, filename := remotePath[:idx], remotePath[idx+1:]

	mimeType := fileutil.GetContentTypeForFile(filename)

	if overwrite {
		if existing, err := p.findFileByName(folderID, filename); err == nil && existing != "" {
			if err := p.updateMedia(existing, content, mimeType); err != nil {
				return nil, fmt.Errorf("error uploading file %s: %w", filename, err)
			}
			log.Printf("Updated existing Drive file: %s (ID: %s)", filename, existing)
			return &UploadResult{ID: existing, Name: filename, Action: "updated", Size: int64(len(content))}, nil
		}
	}

	id, err := p.createMultipart(folderID, filename, content, mimeType)
	if err != nil {
		return nil, fmt.Errorf("error uploading file %s: %w", filename, err)
	}
	log.Printf("Uploaded new Drive file: %s (ID: %s)", filename, id)
	return &UploadResult{ID: id, Name: filename, Action: "created", Size: int64(len(content))}, nil
}

func (p *GoogleDriveProvider) findFileByName(folderID, filename string) (string, error) {
	params := url.Values{
		"q":                 {fmt.Sprintf("'%s' in parents and name='%s' and trashed=false", folderID, filename)},
		"spaces":            {"drive"},
		"fields":            {"files(id)"},
		"supportsAllDrives": {"true"},
	}

	body, err := p.get(p.APIURL + "/files?" + params.Encode())
	if err != nil {
		return "", err
	}

	var result struct {
		Files []struct {
			ID string `json:"id"`
		} `json:"files"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode search result: %w", err)
	}
	if len(result.Files) == 0 {
		return "", nil
	}
	return result.Files[0].ID, nil
}

func (p *GoogleDriveProvider) updateMedia(fileID string, content []byte, mimeType string) error {
	req, err := http.NewRequest(http.MethodPatch,
		p.UploadURL+"/files/"+url.PathEscape(fileID)+"?uploadType=media&supportsAllDrives=true",
		bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	_, err = p.do(req)
	return err
}

func (p *GoogleDriveProvider) createMultipart(folderID, filename string, content []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := writer.CreatePart(metaHeader)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata part: %w", err)
	}
	metadata := map[string]any{"name": filename, "parents": []string{folderID}}
	if err := json.NewEncoder(metaPart).Encode(metadata); err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	mediaPart, err := writer.CreatePart(mediaHeader)
	if err != nil {
		return "", fmt.Errorf("failed to create media part: %w", err)
	}
	if _, err := mediaPart.Write(content); err != nil {
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost,
		p.UploadURL+"/files?uploadType=multipart&supportsAllDrives=true", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	body, err := p.do(req)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	return created.ID, nil
}

// CreateFolder creates a folder under "<parent_id>/<name>"; a bare name
// lands in the Drive root.
func (p *GoogleDriveProvider) CreateFolder(folderPath string) error {
	if !p.connected {
		return fmt.Errorf("not connected to Google Drive")
	}

	parentID, name := "root", folderPath
	if idx := strings.LastIndex(folderPath, "/"); idx > 0 {
		parentID, name = folderPath[:idx], folderPath[idx+1:]
	}

	metadata := map[string]any{
		"name":     name,
		"mimeType": "application/vnd.google-apps.folder",
		"parents":  []string{parentID},
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal folder metadata: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost,
		p.APIURL+"/files?fields=id&supportsAllDrives=true", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := p.do(req); err != nil {
		return fmt.Errorf("error creating folder %s: %w", name, err)
	}
	log.Printf("Created Drive folder: %s", name)
	return nil
}

// FileExists checks the file ID; any API failure reads as absent.
func (p *GoogleDriveProvider) FileExists(path string) bool {
	if !p.connected {
		return false
	}
	_, err := p.get(p.APIURL + "/files/" + url.PathEscape(path) + "?fields=id&supportsAllDrives=true")
	return err == nil
}

func (p *GoogleDriveProvider) GetUserInfo() UserInfo { return p.userInfo }

func (p *GoogleDriveProvider) ProviderType() string { return constants.StorageProviderGoogleDrive }

func (p *GoogleDriveProvider) ProviderName() string { return "Google Drive" }

func (p *GoogleDriveProvider) IsConnected() bool { return p.connected }

// ValidatePath checks the Drive ID shape: 10-50 chars of [a-zA-Z0-9_-].
func (p *GoogleDriveProvider) ValidatePath(path string) bool {
	return driveIDPattern.MatchString(path)
}
