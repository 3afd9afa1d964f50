package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/storage"
)

func TestCreateUnknownProvider(t *testing.T) {
	_, err := storage.Create("box", map[string]any{})
	assert.ErrorContains(t, err, "unknown storage provider")
}

func TestDetectProviderType(t *testing.T) {
	cases := []struct {
		name     string
		data     map[string]any
		expected string
		wantErr  bool
	}{
		{
			name:     "explicit field wins",
			data:     map[string]any{"storage_provider": "Google_Drive", "dropbox_refresh_token": "x"},
			expected: "google_drive",
		},
		{
			name:     "dropbox from decrypted token",
			data:     map[string]any{"dropbox_refresh_token": "x"},
			expected: "dropbox",
		},
		{
			name:     "dropbox from encrypted token",
			data:     map[string]any{"dropbox_refresh_token_encrypted": "x"},
			expected: "dropbox",
		},
		{
			name:     "drive from refresh token",
			data:     map[string]any{"google_drive_refresh_token": "x"},
			expected: "google_drive",
		},
		{
			name:    "undetectable",
			data:    map[string]any{"folder_path": "/x"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := storage.DetectProviderType(tc.data)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestCreateFromPayloadDropbox(t *testing.T) {
	f := newFakeDropbox(t)

	// CreateFromPayload wires the flat legacy fields into provider
	// credentials. The provider endpoints are not overridable through the
	// factory, so exercise the credential mapping by connecting directly.
	payload := map[string]any{
		"dropbox_refresh_token":  "good-refresh",
		"dropbox_app_key":        "app-key-1234",
		"dropbox_app_secret":     "app-secret",
		"dropbox_team_member_id": "dbmid:m1",
	}

	providerType, err := storage.DetectProviderType(payload)
	require.NoError(t, err)
	assert.Equal(t, "dropbox", providerType)

	p := storage.NewDropboxProvider()
	p.TokenURL = f.server.URL + "/oauth2/token"
	p.APIURL = f.server.URL + "/2"
	p.ContentURL = f.server.URL + "/2"
	require.NoError(t, p.Connect(map[string]any{
		"refresh_token": payload["dropbox_refresh_token"],
		"app_key":       payload["dropbox_app_key"],
		"app_secret":    payload["dropbox_app_secret"],
		"member_id":     payload["dropbox_team_member_id"],
	}))
	assert.Equal(t, "team", p.GetUserInfo().AccountType)
}
