package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/perception"
)

func TestSplitLines(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"A", []string{"A"}},
		{"A\nB", []string{"A", "B"}},
		{"A\nB\n", []string{"A", "B"}},
		{"A\r\nB\r\n", []string{"A", "B"}},
		{"A\n\nB", []string{"A", "", "B"}},
	}
	for _, tc := range cases {
		got := SplitLines(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitLines(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitLines(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestFilenameStemID(t *testing.T) {
	if got := FilenameStemID("batch/DALYTRAN.cbl"); got != "DALYTRAN" {
		t.Fatalf("got %q", got)
	}
	if got := FilenameStemID("daily tran.cbl"); got != "DAILY_TRAN" {
		t.Fatalf("got %q", got)
	}
	if got := FilenameStemID(""); got != "UNKNOWN" {
		t.Fatalf("got %q", got)
	}
}

func TestIngestClassifiesEveryLine(t *testing.T) {
	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		if isMetadataPrompt(req) {
			return `{"program_id": "foo"}`, nil
		}
		if isClassificationPrompt(req) {
			if strings.Contains(req.Prompt, `TARGET LINE CONTENT: "      * HEADER"`) {
				return `{"type": "COMMENT"}`, nil
			}
			return `{"type": "CODE"}`, nil
		}
		return "", fmt.Errorf("unexpected prompt")
	}}

	in := &Ingestor{Client: client, Concurrency: 4}
	program, lines, err := in.Run(context.Background(), "      * HEADER\n       MOVE A TO B.\n", "foo.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if program.ProgramID != "FOO" {
		t.Fatalf("program_id = %q, want uppercased FOO", program.ProgramID)
	}
	if program.TotalLines != 2 || len(lines) != 2 {
		t.Fatalf("total_lines = %d, lines = %d", program.TotalLines, len(lines))
	}
	if lines[0].LineType != graph.LineComment || lines[1].LineType != graph.LineCode {
		t.Fatalf("types = %s, %s", lines[0].LineType, lines[1].LineType)
	}
	// Dense 1-based numbering with deterministic ids.
	for i, l := range lines {
		if l.LineNumber != i+1 || l.LineID != fmt.Sprintf("FOO_%d", i+1) {
			t.Fatalf("line %d: number=%d id=%s", i, l.LineNumber, l.LineID)
		}
	}
}

func TestIngestMetadataFallsBackToFilenameStem(t *testing.T) {
	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		if isMetadataPrompt(req) {
			return "", fmt.Errorf("upstream unavailable")
		}
		return `{"type": "CODE"}`, nil
	}}

	in := &Ingestor{Client: client}
	program, _, err := in.Run(context.Background(), "       DISPLAY 'HI'.", "payroll.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if program.ProgramID != "PAYROLL" {
		t.Fatalf("program_id = %q, want PAYROLL", program.ProgramID)
	}
}

func TestIngestClassificationDefaultsToCode(t *testing.T) {
	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		if isMetadataPrompt(req) {
			return `{"program_id": "FOO"}`, nil
		}
		return "", fmt.Errorf("call failed")
	}}

	in := &Ingestor{Client: client}
	_, lines, err := in.Run(context.Background(), "       PROGRAM-ID. FOO.", "foo.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(lines) != 1 || lines[0].LineType != graph.LineCode {
		t.Fatalf("expected single CODE line, got %+v", lines)
	}
}

func TestIngestOutOfEnumClassificationDefaultsToCode(t *testing.T) {
	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		if isMetadataPrompt(req) {
			return `{"program_id": "FOO"}`, nil
		}
		return `{"type": "POEM"}`, nil
	}}

	in := &Ingestor{Client: client}
	_, lines, err := in.Run(context.Background(), "X", "foo.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lines[0].LineType != graph.LineCode {
		t.Fatalf("type = %s, want CODE", lines[0].LineType)
	}
}

func TestIngestEmptySource(t *testing.T) {
	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		return `{"program_id": "EMPTY"}`, nil
	}}

	in := &Ingestor{Client: client}
	program, lines, err := in.Run(context.Background(), "", "empty.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if program.TotalLines != 0 || len(lines) != 0 {
		t.Fatalf("expected empty catalog, got total=%d lines=%d", program.TotalLines, len(lines))
	}
}
