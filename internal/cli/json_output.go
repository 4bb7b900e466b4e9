// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/router"
)

// JSONResponse is the envelope every command prints under --json.
type JSONResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates a failed response. Engine errors carry their
// kind.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	resp := &JSONResponse{
		Error:     &msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
	if isEngineError(err) {
		resp.ErrorKind = chaterr.KindOf(err).String()
	}
	return resp
}

// Write encodes the response to w with indentation.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Print writes the response to stdout.
func (r *JSONResponse) Print() error {
	return r.Write(os.Stdout)
}

// StderrPrint prints to stderr so stdout stays machine readable.
func StderrPrint(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// =============================================================================
// COMMAND PAYLOADS
// =============================================================================

// AskData is the --json payload of ask.
type AskData struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id"`
	Model          string          `json:"model"`
	Phase          string          `json:"phase"`
	Text           string          `json:"text"`
	Reasoning      string          `json:"reasoning,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	Usage          router.Usage    `json:"usage"`
	Attachments    []string        `json:"attachments,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Error          *AskErrorDetail `json:"error,omitempty"`
}

// AskErrorDetail describes a stream that settled in error.
type AskErrorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// VersionData is the --json payload of version.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}
