package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/perception"
	"cobolgraph/internal/store"
)

type fakeWriter struct {
	artifact graph.Artifact
	err      error
	calls    int
}

func (w *fakeWriter) WriteGraph(ctx context.Context, a graph.Artifact) (store.Stats, error) {
	w.calls++
	w.artifact = a
	if w.err != nil {
		return store.Stats{}, w.err
	}
	return store.Stats{
		Programs:   1,
		Lines:      len(a.SourceLines),
		Structures: len(a.Structures),
		Entities:   len(a.Entities),
		References: len(a.Flow.LineReferences),
		Flows:      len(a.Flow.ControlFlow),
	}, nil
}

// endToEndClient scripts every LLM call for a two-paragraph program.
func endToEndClient() *fakeClient {
	return &fakeClient{fn: func(req perception.Request) (string, error) {
		switch {
		case isMetadataPrompt(req):
			return `{"program_id": "FOO"}`, nil
		case isClassificationPrompt(req):
			return `{"type": "CODE"}`, nil
		case isStructurePrompt(req):
			return `{"structures": [
				{"name": "MAIN-PARA", "type": "PARAGRAPH", "start_line": 1},
				{"name": "1000-MAIN", "type": "PARAGRAPH", "start_line": 2}
			]}`, nil
		default:
			return "", fmt.Errorf("unexpected prompt")
		}
	}}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	writer := &fakeWriter{}
	entityWorker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name != "MAIN-PARA" {
				return nil, nil
			}
			return []graph.Entity{{Name: "CUST-FILE", Type: graph.EntityFile}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return req.Candidates, nil
		},
	}
	flowWorker := &fakeFlowWorker{analyze: func(req FlowRequest) (FlowResponse, error) {
		if req.TargetStructureID != "sec_FOO_MAIN-PARA" {
			return FlowResponse{}, nil
		}
		return FlowResponse{
			ControlFlow: []RawControlFlow{{LineNumber: 1, TargetStructureName: "1000-MAIN", Type: "PERFORM"}},
		}, nil
	}}

	var out bytes.Buffer
	orch := NewOrchestrator(Options{
		Client:       endToEndClient(),
		EntityWorker: entityWorker,
		FlowWorker:   flowWorker,
		Writer:       writer,
		Out:          &out,
	})

	summary, err := orch.Run(context.Background(), "       PERFORM 1000-MAIN\n       GOBACK.\n", "foo.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.ProgramID != "FOO" || summary.TotalLines != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if writer.calls != 1 {
		t.Fatalf("writer calls = %d, want exactly one commit", writer.calls)
	}
	if summary.Written.Flows != 1 || summary.Written.Entities != 1 {
		t.Fatalf("written = %+v", summary.Written)
	}

	// The committed line catalog matches the ingested source.
	wantLines := []graph.SourceLine{
		{LineID: "FOO_1", ProgramID: "FOO", LineNumber: 1, Content: "       PERFORM 1000-MAIN", LineType: graph.LineCode, StructureID: "sec_FOO_MAIN-PARA"},
		{LineID: "FOO_2", ProgramID: "FOO", LineNumber: 2, Content: "       GOBACK.", LineType: graph.LineCode, StructureID: "sec_FOO_1000-MAIN"},
	}
	if diff := cmp.Diff(wantLines, writer.artifact.SourceLines); diff != "" {
		t.Fatalf("source lines mismatch (-want +got):\n%s", diff)
	}

	// Final payload is sentinel-framed and parseable.
	output := out.String()
	start := strings.Index(output, "JSON_START\n")
	end := strings.Index(output, "\nJSON_END")
	if start < 0 || end < 0 || end <= start {
		t.Fatalf("missing sentinels in output:\n%s", output)
	}
	payload := output[start+len("JSON_START\n") : end]
	var artifact graph.Artifact
	if err := json.Unmarshal([]byte(payload), &artifact); err != nil {
		t.Fatalf("framed payload unparseable: %v", err)
	}
	if artifact.ProgramID != "FOO" || len(artifact.Flow.ControlFlow) != 1 {
		t.Fatalf("framed artifact = %+v", artifact)
	}
}

func TestOrchestratorEmptySource(t *testing.T) {
	defer goleak.VerifyNone(t)

	writer := &fakeWriter{}
	orch := NewOrchestrator(Options{
		Client: endToEndClient(),
		Writer: writer,
	})

	summary, err := orch.Run(context.Background(), "", "empty.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.TotalLines != 0 {
		t.Fatalf("total_lines = %d", summary.TotalLines)
	}
	if writer.calls != 1 {
		t.Fatal("program row must still commit")
	}
	if len(writer.artifact.SourceLines) != 0 || len(writer.artifact.Structures) != 0 || len(writer.artifact.Entities) != 0 {
		t.Fatalf("artifact not empty: %+v", writer.artifact)
	}
}

func TestOrchestratorSingleHeaderLine(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &fakeClient{fn: func(req perception.Request) (string, error) {
		switch {
		case isMetadataPrompt(req):
			return `{"program_id": "FOO"}`, nil
		case isClassificationPrompt(req):
			return `{"type": "CODE"}`, nil
		case isStructurePrompt(req):
			return `{"structures": []}`, nil
		default:
			return "", fmt.Errorf("unexpected prompt")
		}
	}}

	writer := &fakeWriter{}
	orch := NewOrchestrator(Options{Client: client, Writer: writer})

	summary, err := orch.Run(context.Background(), "       PROGRAM-ID. FOO.", "foo.cbl")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ProgramID != "FOO" {
		t.Fatalf("program_id = %q", summary.ProgramID)
	}
	if len(writer.artifact.SourceLines) != 1 || writer.artifact.SourceLines[0].LineType != graph.LineCode {
		t.Fatalf("lines = %+v", writer.artifact.SourceLines)
	}
	if len(writer.artifact.Structures) != 0 || len(writer.artifact.Entities) != 0 {
		t.Fatal("expected no structures or entities")
	}
	if len(writer.artifact.Flow.ControlFlow) != 0 {
		t.Fatal("expected no flow edges")
	}
}

func TestOrchestratorWriterFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	writer := &fakeWriter{err: fmt.Errorf("transaction aborted")}
	orch := NewOrchestrator(Options{Client: endToEndClient(), Writer: writer,
		EntityWorker: &fakeEntityWorker{
			extract: func(req EntityExtractRequest) ([]graph.Entity, error) { return nil, nil },
			resolve: func(req EntityResolveRequest) ([]graph.Entity, error) { return req.Candidates, nil },
		},
		FlowWorker: &fakeFlowWorker{analyze: func(req FlowRequest) (FlowResponse, error) { return FlowResponse{}, nil }},
	})

	if _, err := orch.Run(context.Background(), "       GOBACK.\n", "foo.cbl"); err == nil {
		t.Fatal("expected writer failure to abort the run")
	}
}

func TestOrchestratorCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writer := &fakeWriter{}
	orch := NewOrchestrator(Options{Client: endToEndClient(), Writer: writer})

	_, err := orch.Run(ctx, "       GOBACK.\n       GOBACK.\n", "foo.cbl")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if writer.calls != 0 {
		t.Fatal("cancelled run must never commit")
	}
}
