package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You are an expert code reviewer. Your job is to find real defects in source files and report them as structured findings.

Focus on:
- Bugs and logic errors
- Security vulnerabilities
- Performance issues
- Significant code clarity problems (only if code is genuinely confusing)

Do NOT report:
- Minor style preferences (indentation, spacing, etc.)
- Formatting issues (assume automated formatters handle this)
- Trivial issues that don't affect functionality

Every file is annotated with line numbers. Each line is prefixed with its number (e.g., "   42 | code here"). Always use the number shown before the | separator.

Rate your confidence in each finding between 0 and 1. Use low values when the problem depends on context you cannot see.`

const analyzePromptTemplate = `Review the following files.%s

Respond in this exact JSON format:
{
  "findings": [
    {
      "file_path": "path/to/file.go",
      "line": 42,
      "issue_type": "bug",
      "severity": "high",
      "title": "Short title",
      "description": "What is wrong and why it matters.",
      "fix_suggestion": "How to fix it.",
      "confidence": 0.8
    }
  ]
}

Rules for the response:
1. "issue_type" must be one of: "bug", "security", "performance", "style"
2. "severity" must be one of: "critical", "high", "medium", "low"
3. "file_path" must exactly match one of the file paths below
4. "line" must be a line number shown in the annotated file
5. "confidence" must be a number between 0 and 1
6. If there are no issues, return an empty findings array
7. Return ONLY valid JSON, no markdown code blocks or other text

%s`

const triagePromptTemplate = `A static analyzer reported the candidate findings below. For each candidate decide whether it is a real problem in context.

<candidates>
%s
</candidates>

Respond in this exact JSON format:
{
  "verdicts": [
    {"id": 0, "false_positive": false, "confidence": 0.9, "rationale": "Why."}
  ],
  "findings": []
}

Rules for the response:
1. Return one verdict per candidate id
2. "confidence" is how likely the candidate is a real problem, between 0 and 1
3. "findings" may list additional problems you notice in the same files, in this format:
   {"file_path": "...", "line": 1, "issue_type": "bug", "severity": "medium", "title": "...", "description": "...", "fix_suggestion": "...", "confidence": 0.7}
4. Return ONLY valid JSON, no markdown code blocks or other text

%s`

// BuildSystemPrompt returns the system prompt, optionally with project
// context and repository instructions.
func BuildSystemPrompt(projectContext, instructions string) string {
	result := systemPrompt

	if projectContext != "" {
		result += "\n\n## Project Context\n\n" + projectContext
	}

	if instructions != "" {
		result += "\n\n## Repository-Specific Instructions\n\n" + instructions
	}

	return result
}

// BuildAnalyzePrompt constructs the prompt for one batch.
func BuildAnalyzePrompt(batch *Batch) string {
	var note string
	if batch.Total > 1 {
		note = fmt.Sprintf("\n\n**IMPORTANT: This is batch %d of %d.** Focus only on the files in this batch. Other files are being reviewed separately.", batch.Index+1, batch.Total)
	}
	return fmt.Sprintf(analyzePromptTemplate, note, renderFiles(batch.Files))
}

// triageCandidate is the prompt view of a static finding.
type triageCandidate struct {
	ID       int    `json:"id"`
	RuleID   string `json:"rule_id"`
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Snippet  string `json:"code_snippet"`
}

// BuildTriagePrompt constructs the hybrid triage prompt.
func BuildTriagePrompt(candidates []triageCandidate, files []SourceFile) string {
	rendered, _ := json.MarshalIndent(candidates, "", "  ")
	return fmt.Sprintf(triagePromptTemplate, rendered, renderFiles(files))
}

func renderFiles(files []SourceFile) string {
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<file path=%q language=%q>\n", f.Path, f.Language)
		b.WriteString(annotateLines(f.Content))
		b.WriteString("</file>\n")
	}
	return b.String()
}
