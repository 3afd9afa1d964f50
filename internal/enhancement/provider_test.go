package enhancement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"snapflow-backend/internal/enhancement"
)

func TestCreate(t *testing.T) {
	f := newFakeAutoHDR(t)
	t.Setenv("AUTOHDR_BASE_URL", f.server.URL)

	p, err := enhancement.Create("fotello", "key", "")
	require.NoError(t, err)
	assert.Equal(t, "fotello", p.ProviderType())

	p, err = enhancement.Create("  AutoHDR ", "hdr-key", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "autohdr", p.ProviderType())
	assert.True(t, p.IsConnected())

	_, err = enhancement.Create("autohdr", "key", "")
	assert.ErrorContains(t, err, "email")

	_, err = enhancement.Create("fotello", "", "")
	assert.ErrorContains(t, err, "API key required")

	_, err = enhancement.Create("lightroom", "key", "")
	assert.ErrorContains(t, err, "unknown enhancement provider")
}

func TestCreateAutoHDRValidatesKey(t *testing.T) {
	f := newFakeAutoHDR(t)
	t.Setenv("AUTOHDR_BASE_URL", f.server.URL)

	// An invalid key fails at creation, not on the first upload.
	_, err := enhancement.Create("autohdr", "wrong", "ops@example.com")
	assert.ErrorContains(t, err, "AutoHDR authentication failed")
}

func TestDetectProviderType(t *testing.T) {
	assert.Equal(t, "autohdr", enhancement.DetectProviderType(map[string]any{
		"enhancement_provider": "AutoHDR",
	}))
	assert.Equal(t, "fotello", enhancement.DetectProviderType(map[string]any{
		"fotello_api_key": "k",
	}))
	assert.Equal(t, "autohdr", enhancement.DetectProviderType(map[string]any{
		"autohdr_api_key": "k",
	}))
	// Fotello is the backward-compatible default.
	assert.Equal(t, "fotello", enhancement.DetectProviderType(map[string]any{}))
}

func TestCreateFromPayloadLegacy(t *testing.T) {
	f := newFakeAutoHDR(t)
	t.Setenv("AUTOHDR_BASE_URL", f.server.URL)

	p, err := enhancement.CreateFromPayload(map[string]any{
		"autohdr_api_key": "hdr-key",
		"autohdr_email":   "ops@example.com",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "autohdr", p.ProviderType())

	p, err = enhancement.CreateFromPayload(map[string]any{
		"fotello_api_key": "k",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "fotello", p.ProviderType())
}

func TestCreateFromPayloadNested(t *testing.T) {
	f := newFakeAutoHDR(t)
	t.Setenv("AUTOHDR_BASE_URL", f.server.URL)

	p, err := enhancement.CreateFromPayload(map[string]any{
		"enhancement_provider": "autohdr",
		"enhancement_credentials": map[string]any{
			"api_key": "hdr-key",
			"email":   "ops@example.com",
		},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "autohdr", p.ProviderType())
}

func TestCreateFromPayloadMissingKey(t *testing.T) {
	_, err := enhancement.CreateFromPayload(map[string]any{}, "fotello")
	assert.ErrorContains(t, err, "API key required")
}
