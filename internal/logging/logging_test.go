package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("ProductionIsJSON", func(t *testing.T) {
		var buf bytes.Buffer
		New("production", &buf).Info("payment initiated", "reference", "vote-1")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "payment initiated", line["msg"])
		assert.Equal(t, "vote-1", line["reference"])
	})

	t.Run("DevelopmentIsText", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New("development", &buf)
		logger.Debug("sweep", "expired", 2)
		assert.Contains(t, buf.String(), "msg=sweep expired=2")
	})
}
