package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Info("registered peer", "db_password", "hunter2", "addr", "10.0.0.1:9000")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, redactedValue, entry["db_password"])
	assert.Equal(t, "10.0.0.1:9000", entry["addr"])
}

func TestLCarriesRequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	ctx := WithRequestID(context.Background(), "req-42")
	L(ctx).WithContext(ctx)
	enriched := FromContext(ctx)
	_ = enriched
	_ = l

	out := L(WithLogger(ctx, l))
	out.Info("upload accepted")

	require.True(t, strings.Contains(buf.String(), "req-42"))
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "text", Output: &buf})
	require.NoError(t, err)

	l.Debug("should not appear")
	assert.Empty(t, buf.String())

	SetLevel("debug")
	defer SetLevel("info")
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}
