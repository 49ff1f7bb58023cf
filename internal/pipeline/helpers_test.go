package pipeline

import (
	"context"
	"strings"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/perception"
)

// fakeClient routes prompts to a handler.
type fakeClient struct {
	fn func(req perception.Request) (string, error)
}

func (f *fakeClient) GenerateJSON(ctx context.Context, req perception.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.fn(req)
}

func (f *fakeClient) Model() string { return "fake" }

func isMetadataPrompt(req perception.Request) bool {
	return strings.Contains(req.Prompt, "Extract the PROGRAM-ID")
}

func isClassificationPrompt(req perception.Request) bool {
	return strings.Contains(req.Prompt, "Classify this specific COBOL line")
}

func isStructurePrompt(req perception.Request) bool {
	return strings.Contains(req.Prompt, "Identify all DIVISIONS, SECTIONS, and PARAGRAPHS")
}

// fakeEntityWorker scripts stage-3 worker behavior.
type fakeEntityWorker struct {
	extract func(req EntityExtractRequest) ([]graph.Entity, error)
	resolve func(req EntityResolveRequest) ([]graph.Entity, error)
}

func (f *fakeEntityWorker) Extract(ctx context.Context, req EntityExtractRequest) ([]graph.Entity, error) {
	return f.extract(req)
}

func (f *fakeEntityWorker) Resolve(ctx context.Context, req EntityResolveRequest) ([]graph.Entity, error) {
	return f.resolve(req)
}

// fakeFlowWorker scripts stage-4 worker behavior.
type fakeFlowWorker struct {
	analyze func(req FlowRequest) (FlowResponse, error)
}

func (f *fakeFlowWorker) Analyze(ctx context.Context, req FlowRequest) (FlowResponse, error) {
	return f.analyze(req)
}

func noProgress(format string, args ...interface{}) {}

// makeLines builds a dense catalog of CODE lines with the given contents.
func makeLines(programID string, contents []string) []graph.SourceLine {
	lines := make([]graph.SourceLine, len(contents))
	for i, c := range contents {
		lines[i] = graph.SourceLine{
			LineID:     graph.LineID(programID, i+1),
			ProgramID:  programID,
			LineNumber: i + 1,
			Content:    c,
			LineType:   graph.LineCode,
		}
	}
	return lines
}
