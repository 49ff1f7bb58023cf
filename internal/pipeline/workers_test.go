package pipeline

import (
	"context"
	"errors"
	"testing"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/perception"
)

func TestResolveUnparseableReplyIsSchemaViolation(t *testing.T) {
	w := &LLMEntityWorker{Client: &fakeClient{fn: func(req perception.Request) (string, error) {
		return "not json at all", nil
	}}}

	_, err := w.Resolve(context.Background(), EntityResolveRequest{
		ProgramID:  "P",
		EntityName: "CUST-REC",
		Candidates: []graph.Entity{{Name: "CUST-REC", Type: graph.EntityVariable}},
	})
	if !errors.Is(err, perception.ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation", err)
	}
}

func TestFlowUnparseableReplyIsSchemaViolation(t *testing.T) {
	w := &LLMFlowWorker{Client: &fakeClient{fn: func(req perception.Request) (string, error) {
		return "{", nil
	}}}

	_, err := w.Analyze(context.Background(), FlowRequest{
		ProgramID:         "P",
		TargetStructureID: "sec_P_A",
		SourceLines: []graph.SourceLine{
			{LineID: "P_1", ProgramID: "P", LineNumber: 1, Content: "x", LineType: graph.LineCode, StructureID: "sec_P_A"},
		},
	})
	if !errors.Is(err, perception.ErrSchemaViolation) {
		t.Fatalf("err = %v, want ErrSchemaViolation", err)
	}
}
