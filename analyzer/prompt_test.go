package analyzer

import (
	"strings"
	"testing"
)

func TestBuildSystemPrompt(t *testing.T) {
	tests := []struct {
		name           string
		projectContext string
		instructions   string
		wantContains   []string
		wantMissing    []string
	}{
		{
			name:        "base prompt only",
			wantMissing: []string{"## Project Context", "## Repository-Specific Instructions"},
		},
		{
			name:           "project context",
			projectContext: "Payments service, PCI scope.",
			wantContains:   []string{"## Project Context", "Payments service, PCI scope."},
			wantMissing:    []string{"## Repository-Specific Instructions"},
		},
		{
			name:           "context and instructions",
			projectContext: "Monorepo.",
			instructions:   "Ignore generated protobuf code.",
			wantContains:   []string{"## Project Context", "## Repository-Specific Instructions", "Ignore generated protobuf code."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSystemPrompt(tt.projectContext, tt.instructions)
			if !strings.HasPrefix(got, systemPrompt) {
				t.Error("BuildSystemPrompt() does not start with the base prompt")
			}
			for _, want := range tt.wantContains {
				if !strings.Contains(got, want) {
					t.Errorf("BuildSystemPrompt() missing %q", want)
				}
			}
			for _, missing := range tt.wantMissing {
				if strings.Contains(got, missing) {
					t.Errorf("BuildSystemPrompt() should not contain %q", missing)
				}
			}
		})
	}

	// Project context precedes repository instructions.
	got := BuildSystemPrompt("ctx", "instr")
	if strings.Index(got, "## Project Context") > strings.Index(got, "## Repository-Specific Instructions") {
		t.Error("project context should come before instructions")
	}
}

func TestBuildAnalyzePrompt(t *testing.T) {
	batch := &Batch{
		Files: []SourceFile{
			{Path: "main.go", Language: "go", Content: "package main\n\nfunc main() {}\n"},
			{Path: "util.py", Language: "python", Content: "def f():\n    pass\n"},
		},
		Index: 1,
		Total: 3,
	}

	got := BuildAnalyzePrompt(batch)
	for _, want := range []string{
		`<file path="main.go" language="go">`,
		`<file path="util.py" language="python">`,
		"    3 | func main() {}",
		"    2 |     pass",
		"batch 2 of 3",
		`"findings"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("BuildAnalyzePrompt() missing %q", want)
		}
	}

	single := BuildAnalyzePrompt(&Batch{Files: batch.Files[:1], Total: 1})
	if strings.Contains(single, "batch 1 of 1") {
		t.Error("single batch prompt should not mention batching")
	}
}

func TestBuildTriagePrompt(t *testing.T) {
	candidates := []triageCandidate{
		{ID: 0, RuleID: "bandit-B602", FilePath: "run.py", Line: 5, Severity: "high", Title: "subprocess with shell=True"},
	}
	files := []SourceFile{{Path: "run.py", Language: "python", Content: "import subprocess\n"}}

	got := BuildTriagePrompt(candidates, files)
	for _, want := range []string{
		`"rule_id": "bandit-B602"`,
		`"line": 5`,
		"<candidates>",
		`<file path="run.py" language="python">`,
		`"verdicts"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("BuildTriagePrompt() missing %q", want)
		}
	}
}
