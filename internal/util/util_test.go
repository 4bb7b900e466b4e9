// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.txt")
	data := []byte("hello, world!")

	if err := AtomicWriteFile(path, data, 0644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content mismatch: got %q, want %q", string(content), string(data))
	}
}

func TestAtomicWriteFile_CreatesParentDirAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "deep", "test.txt")

	if err := AtomicWriteFile(path, []byte("first"), 0600); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("second"), 0600); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	content, _ := os.ReadFile(path)
	if string(content) != "second" {
		t.Errorf("content = %q, want %q", content, "second")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestJSONHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	var missing map[string]string
	if err := ReadJSON(path, &missing); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ReadJSON(missing) = %v, want ErrNotExist", err)
	}

	in := map[string]string{"user-1": "openai/gpt-4o"}
	if err := WriteJSONAtomic(path, in, 0600); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}
	var out map[string]string
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if out["user-1"] != "openai/gpt-4o" {
		t.Errorf("round trip lost value: %v", out)
	}

	os.WriteFile(path, []byte("{broken"), 0600)
	if err := ReadJSON(path, &out); err == nil {
		t.Error("expected decode error")
	}
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	testCases := []struct {
		input    string
		max      int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"日本語のテキスト", 5, "日本..."},
		{"abc", 2, "ab"},
		{"abc", 0, ""},
	}

	for _, tc := range testCases {
		if got := TruncateRunes(tc.input, tc.max); got != tc.expected {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tc.input, tc.max, got, tc.expected)
		}
	}
}

func TestCollapseSpace(t *testing.T) {
	if got := CollapseSpace("  Explain\n\tclosures   in  Go "); got != "Explain closures in Go" {
		t.Errorf("CollapseSpace() = %q", got)
	}
}

func TestTruncateWidth(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		maxWidth int
	}{
		{"ascii short", "hello", 10},
		{"ascii exact", "hello", 5},
		{"ascii truncate", "hello world", 5},
		{"cjk truncate", "日本語", 3},
		{"empty", "", 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := TruncateWidth(tc.input, tc.maxWidth)
			if w := StringWidth(result); w > tc.maxWidth {
				t.Errorf("TruncateWidth(%q, %d) = %q (width %d)", tc.input, tc.maxWidth, result, w)
			}
			if StringWidth(tc.input) <= tc.maxWidth && result != tc.input {
				t.Errorf("TruncateWidth(%q, %d) = %q, unexpected truncation", tc.input, tc.maxWidth, result)
			}
		})
	}

	if TruncateWidth("hello", 0) != "" {
		t.Error("zero width should give empty string")
	}
}

func TestStringWidthAndPad(t *testing.T) {
	if StringWidth("日本語") != 6 {
		t.Errorf("StringWidth(CJK) = %d, want 6", StringWidth("日本語"))
	}
	if got := PadRight("ab", 4); got != "ab  " {
		t.Errorf("PadRight() = %q", got)
	}
	if got := PadRight("日本", 5); StringWidth(got) != 5 {
		t.Errorf("PadRight(CJK) width = %d", StringWidth(got))
	}
}

func TestFormatCost(t *testing.T) {
	if FormatCost(0) != "free" || FormatCost(0.0012) != "$0.0012" || FormatCost(2.5) != "$2.50" {
		t.Errorf("FormatCost mismatch: %s %s %s", FormatCost(0), FormatCost(0.0012), FormatCost(2.5))
	}
}
