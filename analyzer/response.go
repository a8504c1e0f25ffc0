package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentinelcode/sentinel/models"
)

// modelFinding is one finding as returned by the model.
type modelFinding struct {
	FilePath      string   `json:"file_path"`
	Line          int      `json:"line"`
	IssueType     string   `json:"issue_type"`
	Severity      string   `json:"severity"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	FixSuggestion string   `json:"fix_suggestion"`
	Confidence    *float64 `json:"confidence"`
}

type analyzeResponse struct {
	Findings []modelFinding `json:"findings"`
}

type verdict struct {
	ID            int      `json:"id"`
	FalsePositive bool     `json:"false_positive"`
	Confidence    *float64 `json:"confidence"`
	Rationale     string   `json:"rationale"`
}

type triageResponse struct {
	Verdicts []verdict     `json:"verdicts"`
	Findings []modelFinding `json:"findings"`
}

// parseJSON decodes a model reply into v after stripping markdown fences.
func parseJSON(response string, v any) error {
	cleaned := cleanResponse(response)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("failed to parse model response as JSON: %w", err)
	}
	return nil
}

// cleanResponse removes markdown code blocks and surrounding prose.
func cleanResponse(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```json") {
		response = strings.TrimPrefix(response, "```json")
	} else if strings.HasPrefix(response, "```") {
		response = strings.TrimPrefix(response, "```")
	}
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	// Models occasionally lead with a sentence; keep the outermost object.
	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start > 0 && end > start {
		response = response[start : end+1]
	}
	return response
}

// toFinding converts a model finding. Severity and confidence are passed
// through unchecked; the aggregator rejects invalid values.
func (m *modelFinding) toFinding(analyzer string, source models.Source) models.Finding {
	issueType := strings.ToLower(strings.TrimSpace(m.IssueType))
	if issueType == "" {
		issueType = models.IssueBug
	}
	return models.Finding{
		Analyzer:      analyzer,
		FilePath:      strings.TrimPrefix(m.FilePath, "./"),
		Line:          m.Line,
		IssueType:     issueType,
		Severity:      models.ParseSeverity(m.Severity),
		Title:         m.Title,
		Description:   m.Description,
		FixSuggestion: m.FixSuggestion,
		Confidence:    m.Confidence,
		Source:        source,
	}
}
