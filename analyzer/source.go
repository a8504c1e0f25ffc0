package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// MaxFileBytes bounds the size of a single file read for analysis. Larger
// files are usually generated or vendored and are skipped.
const MaxFileBytes = 512 * 1024

// errSkipFile marks files that are absent, binary or oversized.
var errSkipFile = errors.New("skip file")

// DetectLanguage returns the programming language based on file extension.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	case ".kt", ".kts":
		return "kotlin"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".cxx", ".hpp", ".hxx":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".php":
		return "php"
	case ".sh", ".bash":
		return "shell"
	case ".yml", ".yaml":
		return "yaml"
	default:
		return ""
	}
}

// readSource reads a text file from the tree. Missing, binary and oversized
// files return errSkipFile.
func readSource(tree fs.FS, path string) ([]byte, error) {
	info, err := fs.Stat(tree, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, errSkipFile
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", path, err)
	case info.IsDir() || info.Size() > MaxFileBytes:
		return nil, errSkipFile
	}

	content, err := fs.ReadFile(tree, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return nil, errSkipFile
	}
	return content, nil
}

// annotateLines prefixes each line with its 1-based number so the model can
// cite exact locations.
func annotateLines(content string) string {
	var b strings.Builder
	for i, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		fmt.Fprintf(&b, "%5d | %s\n", i+1, line)
	}
	return b.String()
}

// snippet trims a source line for storage on an issue.
func snippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		return line[:200] + "..."
	}
	return line
}
