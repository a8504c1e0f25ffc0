package analyzer

import (
	"strings"
	"testing"
)

func TestBatchFiles(t *testing.T) {
	file := func(path string, size int) SourceFile {
		return SourceFile{Path: path, Content: strings.Repeat("x\n", size/2)}
	}

	tests := []struct {
		name      string
		files     []SourceFile
		maxBytes  int
		wantSizes []int // files per batch
	}{
		{
			name:     "no files",
			maxBytes: 100,
		},
		{
			name:      "all fit",
			files:     []SourceFile{file("a", 20), file("b", 20), file("c", 20)},
			maxBytes:  100,
			wantSizes: []int{3},
		},
		{
			name:      "greedy split",
			files:     []SourceFile{file("a", 60), file("b", 60), file("c", 30)},
			maxBytes:  100,
			wantSizes: []int{1, 2},
		},
		{
			name:      "oversized file gets its own batch",
			files:     []SourceFile{file("a", 20), file("big", 300), file("c", 20)},
			maxBytes:  100,
			wantSizes: []int{1, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := BatchFiles(tt.files, tt.maxBytes)
			if len(batches) != len(tt.wantSizes) {
				t.Fatalf("got %d batches, want %d", len(batches), len(tt.wantSizes))
			}
			for i, b := range batches {
				if len(b.Files) != tt.wantSizes[i] {
					t.Errorf("batch %d has %d files, want %d", i, len(b.Files), tt.wantSizes[i])
				}
				if b.Index != i || b.Total != len(batches) {
					t.Errorf("batch %d has index %d/%d", i, b.Index, b.Total)
				}
				if b.SizeBytes > tt.maxBytes {
					t.Errorf("batch %d is %d bytes, over budget %d", i, b.SizeBytes, tt.maxBytes)
				}
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	got := truncate("line one\nline two\nline three\n", 15)
	if got != "line one\n" {
		t.Errorf("truncate() = %q, want %q", got, "line one\n")
	}
	if got := truncate("short", 15); got != "short" {
		t.Errorf("truncate() = %q, want unchanged", got)
	}
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain json", `{"findings": []}`, `{"findings": []}`},
		{"json fence", "```json\n{\"findings\": []}\n```", `{"findings": []}`},
		{"bare fence", "```\n{\"findings\": []}\n```", `{"findings": []}`},
		{"leading prose", "Sure, here you go:\n{\"findings\": []}", `{"findings": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanResponse(tt.input); got != tt.want {
				t.Errorf("cleanResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := map[string]string{
		"main.go":        "go",
		"src/App.TSX":    "typescript",
		"lib/util.mjs":   "javascript",
		"app/models.py":  "python",
		"deploy/run.sh":  "shell",
		"docs/README.md": "",
		"Makefile":       "",
	}
	for path, want := range tests {
		if got := DetectLanguage(path); got != want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", path, got, want)
		}
	}
}
