package ai

import "testing"

const sampleAnalysisJSON = `{
	"summary": "Build an internal ticketing portal.",
	"tech_stack": ["Go", "PostgreSQL", "React"],
	"developers_required": [
		{"role": "Backend Engineer", "count": 2, "skills": ["Go", "SQL"]},
		{"role": "Frontend Engineer", "count": 1, "skills": ["React"]}
	],
	"ambiguities": ["SLA targets are not specified."]
}`

func TestParseAnalysisResultPlainJSON(t *testing.T) {
	result, err := ParseAnalysisResult(sampleAnalysisJSON)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Summary != "Build an internal ticketing portal." {
		t.Fatalf("summary = %q", result.Summary)
	}
	if len(result.TechStack) != 3 || result.TechStack[0] != "Go" {
		t.Fatalf("tech_stack = %v", result.TechStack)
	}
	if len(result.DevelopersRequired) != 2 || result.DevelopersRequired[0].Count != 2 {
		t.Fatalf("developers_required = %+v", result.DevelopersRequired)
	}
	if len(result.Ambiguities) != 1 {
		t.Fatalf("ambiguities = %v", result.Ambiguities)
	}
}

func TestParseAnalysisResultFencedAndWrapped(t *testing.T) {
	cases := map[string]string{
		"markdown fence": "```json\n" + sampleAnalysisJSON + "\n```",
		"lead-in prose":  "Here is the assessment you asked for:\n" + sampleAnalysisJSON,
	}
	for name, raw := range cases {
		if _, err := ParseAnalysisResult(raw); err != nil {
			t.Errorf("%s: parse: %v", name, err)
		}
	}
}

func TestParseAnalysisResultRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json at all", `{"tech_stack": []}`} {
		if _, err := ParseAnalysisResult(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
