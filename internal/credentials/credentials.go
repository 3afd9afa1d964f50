// Package credentials handles per-tenant encryption keys and decryption of
// credential envelopes carried in stage payloads.
//
// All tenants use Fernet symmetric encryption. To onboard a new tenant,
// generate a key with GenerateKey and set it in the environment as
// CLIENT_<TENANT>_ENCRYPTION_KEY.
package credentials

import (
	"fmt"
	"os"
	"strings"

	"github.com/fernet/fernet-go"
)

// GenerateKey creates a new base64-encoded Fernet key for a tenant.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return key.Encode(), nil
}

// GetClientEncryptionKey looks up the tenant's key from
// CLIENT_<TENANT>_ENCRYPTION_KEY.
func GetClientEncryptionKey(clientID string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("client_id is required for multi-client setup")
	}

	keyEnvVar := fmt.Sprintf("CLIENT_%s_ENCRYPTION_KEY", strings.ToUpper(clientID))
	encryptionKey := os.Getenv(keyEnvVar)

	if encryptionKey == "" {
		var available []string
		for _, env := range os.Environ() {
			name, _, _ := strings.Cut(env, "=")
			if strings.HasPrefix(name, "CLIENT_") && strings.HasSuffix(name, "_ENCRYPTION_KEY") {
				client := strings.TrimSuffix(strings.TrimPrefix(name, "CLIENT_"), "_ENCRYPTION_KEY")
				available = append(available, client)
			}
		}
		return "", fmt.Errorf(
			"no encryption key found for client '%s' (available clients: %v)",
			clientID, available,
		)
	}

	return encryptionKey, nil
}

// DecryptValue decrypts a single Fernet-encrypted string.
func DecryptValue(encryptedValue, encryptionKey string) (string, error) {
	key, err := fernet.DecodeKey(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("invalid encryption key format: %w", err)
	}

	plaintext := fernet.VerifyAndDecrypt([]byte(encryptedValue), 0, []*fernet.Key{key})
	if plaintext == nil {
		return "", fmt.Errorf("failed to decrypt credential")
	}
	return string(plaintext), nil
}

// EncryptValue Fernet-encrypts a string. Used by tests and onboarding
// tooling; the pipeline itself only decrypts.
func EncryptValue(value, encryptionKey string) (string, error) {
	key, err := fernet.DecodeKey(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("invalid encryption key format: %w", err)
	}

	token, err := fernet.EncryptAndSign([]byte(value), key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return string(token), nil
}

// legacyEncryptedFields maps flat *_encrypted payload fields to their
// decrypted names. autohdr_email and dropbox_team_member_id are plaintext
// and pass through untouched.
var legacyEncryptedFields = map[string]string{
	"dropbox_app_key_encrypted":            "dropbox_app_key",
	"dropbox_app_secret_encrypted":         "dropbox_app_secret",
	"dropbox_refresh_token_encrypted":      "dropbox_refresh_token",
	"google_drive_client_id_encrypted":     "google_drive_client_id",
	"google_drive_client_secret_encrypted": "google_drive_client_secret",
	"google_drive_refresh_token_encrypted": "google_drive_refresh_token",
	"fotello_api_key_encrypted":            "fotello_api_key",
	"autohdr_api_key_encrypted":            "autohdr_api_key",
}

// Decrypt decrypts every encrypted credential in a payload map. It accepts
// both the legacy flat format (dropbox_app_key_encrypted, ...) and the
// multi-provider format with nested storage_credentials /
// enhancement_credentials bundles. Returns a new map; the input is not
// modified.
func Decrypt(data map[string]any, clientID string) (map[string]any, error) {
	encryptionKey, err := GetClientEncryptionKey(clientID)
	if err != nil {
		return nil, err
	}

	key, err := fernet.DecodeKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key format for client %s: %w", clientID, err)
	}

	_, hasStorage := data["storage_credentials"]
	_, hasEnhancement := data["enhancement_credentials"]

	if hasStorage || hasEnhancement {
		return decryptNestedFormat(data, key, clientID)
	}
	return decryptLegacyFormat(data, key, clientID)
}

func decryptLegacyFormat(data map[string]any, key *fernet.Key, clientID string) (map[string]any, error) {
	decrypted := make(map[string]any, len(data))
	for k, v := range data {
		decrypted[k] = v
	}

	for encryptedField, decryptedField := range legacyEncryptedFields {
		raw, ok := data[encryptedField]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok || value == "" {
			continue
		}

		plaintext := fernet.VerifyAndDecrypt([]byte(value), 0, []*fernet.Key{key})
		if plaintext == nil {
			return nil, fmt.Errorf("failed to decrypt %s for client %s", encryptedField, clientID)
		}
		decrypted[decryptedField] = string(plaintext)
		delete(decrypted, encryptedField)
	}

	return decrypted, nil
}

func decryptNestedFormat(data map[string]any, key *fernet.Key, clientID string) (map[string]any, error) {
	decrypted := make(map[string]any, len(data))
	for k, v := range data {
		decrypted[k] = v
	}

	for _, nestedKey := range []string{"storage_credentials", "enhancement_credentials"} {
		bundle, ok := data[nestedKey].(map[string]any)
		if !ok || len(bundle) == 0 {
			continue
		}

		out := make(map[string]any, len(bundle))
		for k, v := range bundle {
			value, isString := v.(string)
			if !strings.HasSuffix(k, "_encrypted") || !isString || value == "" {
				out[k] = v
				continue
			}

			plaintext := fernet.VerifyAndDecrypt([]byte(value), 0, []*fernet.Key{key})
			if plaintext == nil {
				return nil, fmt.Errorf(
					"failed to decrypt %s credential %s for client %s",
					strings.TrimSuffix(nestedKey, "_credentials"), k, clientID,
				)
			}
			out[strings.TrimSuffix(k, "_encrypted")] = string(plaintext)
		}
		decrypted[nestedKey] = out
	}

	return decrypted, nil
}

// sensitiveFields are masked before any payload is logged or sent outward.
var sensitiveFields = []string{
	"dropbox_app_key", "dropbox_app_secret", "dropbox_refresh_token",
	"fotello_api_key", "autohdr_api_key",
	"google_drive_client_id", "google_drive_client_secret", "google_drive_refresh_token",
	"api_key", "access_token", "refresh_token", "client_secret",
}

// Mask returns a copy of data safe for logging: sensitive string values
// longer than 8 characters become "first4...last4", shorter ones become
// "***". Nested credential bundles are masked recursively.
func Mask(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	masked := make(map[string]any, len(data))
	for k, v := range data {
		masked[k] = v
	}

	for _, field := range sensitiveFields {
		raw, ok := masked[field]
		if !ok {
			continue
		}
		value, isString := raw.(string)
		if !isString || value == "" {
			continue
		}
		if len(value) > 8 {
			masked[field] = value[:4] + "..." + value[len(value)-4:]
		} else {
			masked[field] = "***"
		}
	}

	for _, nestedKey := range []string{"storage_credentials", "enhancement_credentials"} {
		if nested, ok := masked[nestedKey].(map[string]any); ok {
			masked[nestedKey] = Mask(nested)
		}
	}

	return masked
}
