package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
	"cobolgraph/internal/perception"
)

// Worker payload types. These are the JSON contracts shared by the
// in-process workers and the HTTP worker mode, so a stage cannot tell
// whether its worker ran locally or behind a URL.

// EntityExtractRequest asks a worker to extract entities from structures.
// SourceLines carries the whole program; the worker reconstructs structure
// content from the line intervals.
type EntityExtractRequest struct {
	Mode        string             `json:"mode"`
	ProgramID   string             `json:"program_id"`
	Structures  []graph.Structure  `json:"structures"`
	SourceLines []graph.SourceLine `json:"source_lines"`
}

// EntityResolveRequest asks a worker to reconcile one group of same-named
// entity candidates.
type EntityResolveRequest struct {
	Mode       string         `json:"mode"`
	ProgramID  string         `json:"program_id"`
	EntityName string         `json:"entity_name"`
	Candidates []graph.Entity `json:"candidates"`
}

// EntityWorkerResponse is the worker reply for both entity modes.
type EntityWorkerResponse struct {
	Entities []graph.Entity `json:"entities"`
	Error    string         `json:"error,omitempty"`
}

// FlowRequest asks a worker to analyze one structure's control flow and
// entity references. Entities and Paragraphs are the closed name
// vocabularies the model may target.
type FlowRequest struct {
	ProgramID         string             `json:"program_id"`
	TargetStructureID string             `json:"target_structure_id"`
	SourceLines       []graph.SourceLine `json:"source_lines"`
	Entities          []string           `json:"entities"`
	Paragraphs        []string           `json:"paragraphs"`
}

// RawControlFlow is a worker-level flow edge, still carrying the target
// name. The orchestrator resolves names to structure ids.
type RawControlFlow struct {
	LineNumber          int    `json:"line_number"`
	TargetStructureName string `json:"target_structure_name"`
	Type                string `json:"type"`
}

// RawLineReference is a worker-level entity reference, still carrying the
// target name.
type RawLineReference struct {
	LineNumber       int    `json:"line_number"`
	TargetEntityName string `json:"target_entity_name"`
	UsageType        string `json:"usage_type"`
}

// FlowResponse is the worker reply for one structure.
type FlowResponse struct {
	ControlFlow    []RawControlFlow   `json:"control_flow"`
	LineReferences []RawLineReference `json:"line_references"`
	Error          string             `json:"error,omitempty"`
}

// EntityWorker extracts and reconciles data entities.
type EntityWorker interface {
	Extract(ctx context.Context, req EntityExtractRequest) ([]graph.Entity, error)
	Resolve(ctx context.Context, req EntityResolveRequest) ([]graph.Entity, error)
}

// FlowWorker analyzes one structure for control flow and references.
type FlowWorker interface {
	Analyze(ctx context.Context, req FlowRequest) (FlowResponse, error)
}

// LLMEntityWorker is the in-process EntityWorker backed by the LLM client.
type LLMEntityWorker struct {
	Client perception.Client
}

// Extract runs one extraction call per structure in the request. A failed
// structure is skipped, not fatal; partial extraction beats none.
func (w *LLMEntityWorker) Extract(ctx context.Context, req EntityExtractRequest) ([]graph.Entity, error) {
	lineMap := make(map[int]graph.SourceLine, len(req.SourceLines))
	numbers := make([]int, 0, len(req.SourceLines))
	for _, l := range req.SourceLines {
		lineMap[l.LineNumber] = l
		numbers = append(numbers, l.LineNumber)
	}
	sort.Ints(numbers)

	var fullContext strings.Builder
	for _, ln := range numbers {
		l := lineMap[ln]
		if strings.TrimSpace(l.Content) == "" {
			continue
		}
		fmt.Fprintf(&fullContext, "Line %d [%s]: %s\n", ln, l.LineID, l.Content)
	}

	log := logging.Get(logging.CategoryEntities)
	var found []graph.Entity

	for _, st := range req.Structures {
		var content strings.Builder
		for ln := st.StartLine; ln <= st.EndLine; ln++ {
			if l, ok := lineMap[ln]; ok {
				fmt.Fprintf(&content, "Line %d [ID: %s]: %s\n", ln, l.LineID, l.Content)
			}
		}
		if strings.TrimSpace(content.String()) == "" {
			continue
		}

		prompt := perception.EntityExtractPrompt(req.ProgramID, st.Name, string(st.Type), fullContext.String(), content.String())
		raw, err := w.Client.GenerateJSON(ctx, perception.Request{
			Prompt:      prompt,
			Schema:      perception.EntityExtractSchema(),
			Temperature: 1.0,
			Tag:         "Struct " + st.Name,
		})
		if err != nil {
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			log.Error("extraction failed for structure %s: %v", st.Name, err)
			continue
		}

		var parsed struct {
			FoundEntities []graph.Entity `json:"found_entities"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Error("unparseable extraction for structure %s: %v", st.Name, err)
			continue
		}
		for i := range parsed.FoundEntities {
			parsed.FoundEntities[i].ProgramID = req.ProgramID
			parsed.FoundEntities[i].FoundInStructure = st.Name
		}
		found = append(found, parsed.FoundEntities...)
	}
	return found, nil
}

// Resolve asks the model to merge or split one conflict group. Entity ids
// are assigned to whatever names come back, so a split yields distinct ids.
func (w *LLMEntityWorker) Resolve(ctx context.Context, req EntityResolveRequest) ([]graph.Entity, error) {
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates provided")
	}

	candidatesJSON, err := json.MarshalIndent(req.Candidates, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}

	prompt := perception.EntityResolvePrompt(req.ProgramID, req.EntityName, string(candidatesJSON))
	raw, err := w.Client.GenerateJSON(ctx, perception.Request{
		Prompt:      prompt,
		Schema:      perception.EntityResolveSchema(),
		Temperature: 0.5,
		Tag:         "Resolve " + req.EntityName,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ResolvedEntities []graph.Entity `json:"resolved_entities"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: resolution for %s: %v", perception.ErrSchemaViolation, req.EntityName, err)
	}
	for i := range parsed.ResolvedEntities {
		parsed.ResolvedEntities[i].ProgramID = req.ProgramID
		parsed.ResolvedEntities[i].EntityID = graph.EntityID(req.ProgramID, parsed.ResolvedEntities[i].Name)
	}
	return parsed.ResolvedEntities, nil
}

// LLMFlowWorker is the in-process FlowWorker backed by the LLM client.
type LLMFlowWorker struct {
	Client perception.Client
}

// Analyze prompts for one structure's edges. A structure whose id appears on
// no line returns empty sets without an LLM call.
func (w *LLMFlowWorker) Analyze(ctx context.Context, req FlowRequest) (FlowResponse, error) {
	if req.TargetStructureID == "" {
		return FlowResponse{}, fmt.Errorf("missing target_structure_id")
	}

	var fullCode, targetCode strings.Builder
	for _, l := range req.SourceLines {
		fmt.Fprintf(&fullCode, "%d | %s\n", l.LineNumber, l.Content)
		if l.StructureID == req.TargetStructureID {
			fmt.Fprintf(&targetCode, "%d | %s\n", l.LineNumber, l.Content)
		}
	}
	if targetCode.Len() == 0 {
		return FlowResponse{}, nil
	}

	prompt := perception.FlowPrompt(req.ProgramID, req.TargetStructureID, req.Entities, req.Paragraphs, fullCode.String(), targetCode.String())
	raw, err := w.Client.GenerateJSON(ctx, perception.Request{
		Prompt:          prompt,
		Schema:          perception.FlowSchema(),
		Temperature:     1.0,
		MaxOutputTokens: 8192,
		Tag:             "Flow " + req.TargetStructureID,
	})
	if err != nil {
		return FlowResponse{}, err
	}

	var resp FlowResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return FlowResponse{}, fmt.Errorf("%w: flow analysis for %s: %v", perception.ErrSchemaViolation, req.TargetStructureID, err)
	}
	return resp, nil
}
