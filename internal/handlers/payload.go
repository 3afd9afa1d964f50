// Package handlers implements the four pipeline stages as HTTP endpoints:
// gateway, discovery, process and finalize.
package handlers

import (
	"encoding/json"

	"snapflow-backend/internal/constants"
	"snapflow-backend/internal/enhancement"
	"snapflow-backend/internal/storage"
)

// Per-stage version strings reported in every response and notification.
const (
	GatewayVersion   = "1.0.0-gateway-snapflow-" + constants.SharedVersion
	DiscoveryVersion = "1.0.0-discovery-snapflow-" + constants.SharedVersion
	ProcessVersion   = "1.0.0-process-snapflow-" + constants.SharedVersion
	FinalizeVersion  = "1.0.0-finalize-snapflow-" + constants.SharedVersion
)

// StorageFactory builds a connected storage provider from a decrypted stage
// payload. Stage handlers take it as a dependency so tests can point
// providers at local servers.
type StorageFactory func(data map[string]any, providerType string) (storage.Provider, error)

// EnhancementFactory builds an enhancement provider from a decrypted stage
// payload.
type EnhancementFactory func(data map[string]any, providerType string) (enhancement.Provider, error)

// unwrapEnvelope strips the platform's {"body": ...} wrapper. The body may
// be a JSON string or an already-parsed object; anything else falls through
// to the event itself.
func unwrapEnvelope(event map[string]any) map[string]any {
	body, ok := event["body"]
	if !ok || body == nil {
		return event
	}

	switch b := body.(type) {
	case string:
		var data map[string]any
		if err := json.Unmarshal([]byte(b), &data); err == nil {
			return data
		}
	case map[string]any:
		return b
	}
	return event
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func boolField(data map[string]any, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

// intField reads a numeric field. JSON numbers decode as float64; string
// values are tolerated for callers that template numbers into payloads.
func intField(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if i, err := json.Number(v).Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

// floatFieldPtr reads an optional numeric field, nil when absent or invalid.
func floatFieldPtr(data map[string]any, key string) *float64 {
	switch v := data[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		if f, err := json.Number(v).Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func hasValue(data map[string]any, key string) bool {
	v, ok := data[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}
