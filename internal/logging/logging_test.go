// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/prepchat/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	l.Debug("hidden")
	l.Info("conversation created", "id", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "conversation created", line["msg"])
	assert.Equal(t, "abc", line["id"])
}

func TestLogger_Apply(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.LoggingConfig{Level: "warn", Format: "text"})
	l.Info("before")
	assert.Empty(t, buf.String())

	l.Apply(config.LoggingConfig{Level: "debug"})
	assert.Equal(t, slog.LevelDebug, l.Level())
	l.Debug("after")
	assert.Contains(t, buf.String(), "msg=after")
}

func TestSetup_File(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "prepchat.log")
	l, err := Setup(config.LoggingConfig{Level: "info", Format: "text", File: path})
	require.NoError(t, err)
	slog.Info("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestRecorder(t *testing.T) {
	logger, rec := NewRecorder()
	logger.With("component", "chat").Warn("event dropped", "type", "created")
	logger.Info("ok")

	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "chat", records[0].Attrs["component"])
	assert.Equal(t, "created", records[0].Attrs["type"])
	assert.Equal(t, []string{"event dropped"}, rec.Messages(slog.LevelWarn))
}
