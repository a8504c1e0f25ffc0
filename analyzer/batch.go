package analyzer

import (
	"errors"
	"fmt"
	"io/fs"
)

// SourceFile is one file's content prepared for a prompt.
type SourceFile struct {
	Path     string
	Language string
	Content  string
}

// Batch groups files that are reviewed together in one request.
type Batch struct {
	Files     []SourceFile
	SizeBytes int
	Index     int
	Total     int
}

// Paths returns the batch's file paths.
func (b *Batch) Paths() map[string]bool {
	paths := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		paths[f.Path] = true
	}
	return paths
}

// loadSources reads the changed text files from tree.
func loadSources(tree fs.FS, changed []string) ([]SourceFile, error) {
	files := make([]SourceFile, 0, len(changed))
	for _, path := range changed {
		content, err := readSource(tree, path)
		if errors.Is(err, errSkipFile) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, SourceFile{
			Path:     path,
			Language: DetectLanguage(path),
			Content:  string(content),
		})
	}
	return files, nil
}

// BatchFiles splits files into batches that fit within maxBytes.
// Uses greedy bin-packing: adds files to the current batch until the limit is
// reached. A file larger than maxBytes is truncated into its own batch.
func BatchFiles(files []SourceFile, maxBytes int) []Batch {
	if len(files) == 0 {
		return nil
	}

	var batches []Batch
	var current Batch

	for _, file := range files {
		size := len(file.Content)

		if size > maxBytes {
			if len(current.Files) > 0 {
				batches = append(batches, current)
				current = Batch{}
			}
			file.Content = truncate(file.Content, maxBytes)
			batches = append(batches, Batch{
				Files:     []SourceFile{file},
				SizeBytes: len(file.Content),
			})
			continue
		}

		if current.SizeBytes+size > maxBytes && len(current.Files) > 0 {
			batches = append(batches, current)
			current = Batch{}
		}

		current.Files = append(current.Files, file)
		current.SizeBytes += size
	}

	if len(current.Files) > 0 {
		batches = append(batches, current)
	}

	total := len(batches)
	for i := range batches {
		batches[i].Index = i
		batches[i].Total = total
	}

	return batches
}

// truncate cuts content to at most maxBytes, backing up to a line boundary.
func truncate(content string, maxBytes int) string {
	if len(content) <= maxBytes {
		return content
	}
	cut := content[:maxBytes]
	for i := len(cut) - 1; i > 0; i-- {
		if cut[i] == '\n' {
			return cut[:i+1]
		}
	}
	return cut
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch %d/%d (%d files, %d bytes)", b.Index+1, b.Total, len(b.Files), b.SizeBytes)
}
