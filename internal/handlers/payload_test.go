package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapEnvelope(t *testing.T) {
	t.Run("string body", func(t *testing.T) {
		event := map[string]any{"body": `{"job_id":"job-1"}`}
		assert.Equal(t, "job-1", unwrapEnvelope(event)["job_id"])
	})

	t.Run("object body", func(t *testing.T) {
		event := map[string]any{"body": map[string]any{"job_id": "job-2"}}
		assert.Equal(t, "job-2", unwrapEnvelope(event)["job_id"])
	})

	t.Run("no body", func(t *testing.T) {
		event := map[string]any{"job_id": "job-3"}
		assert.Equal(t, event, unwrapEnvelope(event))
	})

	t.Run("unparseable string body", func(t *testing.T) {
		event := map[string]any{"body": "not json", "job_id": "job-4"}
		assert.Equal(t, event, unwrapEnvelope(event))
	})
}

func TestIntField(t *testing.T) {
	data := map[string]any{
		"float":  float64(25),
		"string": "30",
		"junk":   "many",
	}
	assert.Equal(t, 25, intField(data, "float", 0))
	assert.Equal(t, 30, intField(data, "string", 0))
	assert.Equal(t, 7, intField(data, "junk", 7))
	assert.Equal(t, 7, intField(data, "absent", 7))
}

func TestFloatFieldPtr(t *testing.T) {
	data := map[string]any{"delta": "2.5"}
	v := floatFieldPtr(data, "delta")
	require.NotNil(t, v)
	assert.Equal(t, 2.5, *v)
	assert.Nil(t, floatFieldPtr(data, "absent"))
}

func TestParseTickets(t *testing.T) {
	t.Run("ticket objects", func(t *testing.T) {
		tickets := parseTickets([]any{
			map[string]any{"enhancement_id": "enh-1", "bracket_index": float64(2), "file_count": float64(3)},
			map[string]any{"bracket_index": float64(5)}, // no id, dropped
		})
		require.Len(t, tickets, 1)
		assert.Equal(t, "enh-1", tickets[0].EnhancementID)
		assert.Equal(t, 2, tickets[0].BracketIndex)
		assert.Equal(t, 3, tickets[0].FileCount)
	})

	t.Run("flat id strings", func(t *testing.T) {
		tickets := parseTickets([]any{"enh-1", "enh-2"})
		require.Len(t, tickets, 2)
		assert.Equal(t, 0, tickets[0].BracketIndex)
		assert.Equal(t, "enh-2", tickets[1].EnhancementID)
		assert.Equal(t, 1, tickets[1].BracketIndex)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, parseTickets(nil))
		assert.Nil(t, parseTickets([]any{}))
	})
}
