// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package files validates attachments and manages their previews.
//
// A preview is an encoded copy of a file held until it is released. Each
// preview must be released exactly once: a second release is a logged no-op
// and previews never released are reported by Outstanding.
package files

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jeranaias/prepchat/internal/stream"
)

const (
	// MaxFileSize is the largest accepted attachment (10 MB)
	MaxFileSize = 10 * 1024 * 1024

	// MaxFiles is the most attachments accepted in one message
	MaxFiles = 5
)

// allowedTypes lists the accepted media types.
var allowedTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/csv":        true,
}

// =============================================================================
// FILE
// =============================================================================

// File is an attachment chosen by the user.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Size returns the file size in bytes.
func (f File) Size() int { return len(f.Data) }

// Load reads the file at path and detects its media type.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	return File{Name: filepath.Base(path), MediaType: DetectMediaType(path, data), Data: data}, nil
}

// DetectMediaType guesses the media type from the extension, falling back
// to content sniffing.
func DetectMediaType(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if base, _, err := mime.ParseMediaType(t); err == nil {
			return base
		}
	}
	base, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return base
}

// IsImageFile reports whether f is an image.
func IsImageFile(f File) bool {
	return strings.HasPrefix(f.MediaType, "image/")
}

// DataURL returns f encoded as a data URL.
func (f File) DataURL() string {
	return "data:" + f.MediaType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Attachment converts f to the form sent with a request.
func (f File) Attachment() stream.Attachment {
	return stream.Attachment{MediaType: f.MediaType, Filename: f.Name, DataURL: f.DataURL()}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Rejected is a file that failed validation.
type Rejected struct {
	File   File
	Reason string
}

// Validation is the outcome of ValidateFiles. Invalid files are a warning:
// the valid ones are still accepted.
type Validation struct {
	Valid   []File
	Invalid []Rejected
}

// OK reports whether every file was accepted.
func (v Validation) OK() bool { return len(v.Invalid) == 0 }

// Warning summarises the rejected files, or "" when there are none.
func (v Validation) Warning() string {
	if v.OK() {
		return ""
	}
	parts := make([]string, len(v.Invalid))
	for i, r := range v.Invalid {
		parts[i] = r.File.Name + ": " + r.Reason
	}
	return "some files were not attached: " + strings.Join(parts, "; ")
}

// ValidateFiles splits files into accepted and rejected ones.
func ValidateFiles(files []File) Validation {
	var v Validation
	for _, f := range files {
		switch {
		case len(v.Valid) >= MaxFiles:
			v.Invalid = append(v.Invalid, Rejected{f, fmt.Sprintf("at most %d files per message", MaxFiles)})
		case f.Size() == 0:
			v.Invalid = append(v.Invalid, Rejected{f, "file is empty"})
		case f.Size() > MaxFileSize:
			v.Invalid = append(v.Invalid, Rejected{f, "file exceeds 10 MB"})
		case !allowedTypes[f.MediaType]:
			v.Invalid = append(v.Invalid, Rejected{f, fmt.Sprintf("unsupported type %q", f.MediaType)})
		default:
			v.Valid = append(v.Valid, f)
		}
	}
	return v
}

// =============================================================================
// PREVIEWS
// =============================================================================

// Preview is a handle on an encoded copy of a file.
type Preview struct {
	URL      string `json:"preview_url"`
	Filename string `json:"filename"`
}

// Service owns previews.
type Service struct {
	log *slog.Logger

	mu       sync.Mutex
	previews map[string]File
}

// NewService creates a preview service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{log: logger, previews: make(map[string]File)}
}

// CreatePreview registers a preview for f.
func (s *Service) CreatePreview(f File) Preview {
	url := "preview:" + uuid.NewString()
	s.mu.Lock()
	s.previews[url] = f
	s.mu.Unlock()
	return Preview{URL: url, Filename: f.Name}
}

// RevokePreview releases p. It reports false when p was already released.
func (s *Service) RevokePreview(p Preview) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.previews[p.URL]; !ok {
		s.log.Warn("preview released twice", "preview", p.URL, "filename", p.Filename)
		return false
	}
	delete(s.previews, p.URL)
	return true
}

// Lookup returns the file behind a live preview.
func (s *Service) Lookup(p Preview) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.previews[p.URL]
	return f, ok
}

// Outstanding returns the URLs of previews not yet released.
func (s *Service) Outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.previews))
	for url := range s.previews {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}
