package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"cobolgraph/internal/graph"
)

func entityFixture() ([]graph.Structure, []graph.SourceLine) {
	structures := []graph.Structure{
		{StructureID: "sec_P_A", ProgramID: "P", Name: "A", Type: graph.StructParagraph, StartLine: 1, EndLine: 2},
		{StructureID: "sec_P_B", ProgramID: "P", Name: "B", Type: graph.StructParagraph, StartLine: 3, EndLine: 4},
	}
	lines := makeLines("P", []string{"l1", "l2", "l3", "l4"})
	return structures, lines
}

func TestEntitySingleCandidatePassesThrough(t *testing.T) {
	structures, lines := entityFixture()
	var resolveCalls int32

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name != "A" {
				return nil, nil
			}
			return []graph.Entity{{Name: "WS-TOTAL", Type: graph.EntityVariable, Description: "running total"}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			atomic.AddInt32(&resolveCalls, 1)
			return req.Candidates, nil
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, stats, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&resolveCalls) != 0 {
		t.Fatal("single-candidate group must not be resolved")
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	if entities[0].EntityID != "P_WS-TOTAL" {
		t.Fatalf("entity_id = %q", entities[0].EntityID)
	}
	if stats.Conflicts != 0 || stats.Final != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

// The merge rule itself is delegated to the resolver; the pipeline
// guarantees the resolver sees every candidate, with its fields intact, in
// structure order.
func TestEntityConflictMergeDeclarationSiteWins(t *testing.T) {
	structures, lines := entityFixture()

	var gotResolve EntityResolveRequest
	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			switch req.Structures[0].Name {
			case "A":
				return []graph.Entity{{Name: "CUST-REC", Type: graph.EntityVariable}}, nil
			default:
				return []graph.Entity{{Name: "Cust-Rec", Type: graph.EntityVariable, DefinitionLineID: "P_50"}}, nil
			}
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			gotResolve = req
			// Merge: declarative site dominates.
			merged := req.Candidates[0]
			for _, c := range req.Candidates {
				if c.DefinitionLineID != "" {
					merged.DefinitionLineID = c.DefinitionLineID
				}
			}
			return []graph.Entity{merged}, nil
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, stats, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", stats.Conflicts)
	}
	if gotResolve.EntityName != "CUST-REC" {
		t.Fatalf("resolve entity_name = %q", gotResolve.EntityName)
	}
	if len(gotResolve.Candidates) != 2 {
		t.Fatalf("candidates = %d, want both casings grouped", len(gotResolve.Candidates))
	}
	if gotResolve.Candidates[0].Name != "CUST-REC" || gotResolve.Candidates[1].Name != "Cust-Rec" {
		t.Fatalf("candidate order = %q, %q, want structure order", gotResolve.Candidates[0].Name, gotResolve.Candidates[1].Name)
	}
	if gotResolve.Candidates[1].DefinitionLineID != "P_50" {
		t.Fatalf("definition_line_id = %q, candidate fields must reach the resolver", gotResolve.Candidates[1].DefinitionLineID)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1 merged", len(entities))
	}
	if entities[0].DefinitionLineID != "P_50" {
		t.Fatalf("definition_line_id = %q, want P_50", entities[0].DefinitionLineID)
	}
	// First observed casing preserved.
	if entities[0].Name != "CUST-REC" {
		t.Fatalf("name = %q, want first observed casing", entities[0].Name)
	}
}

func TestEntityResolveFailureKeepsFirstCandidate(t *testing.T) {
	structures, lines := entityFixture()

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			return []graph.Entity{{Name: "WS-FLAG", Type: graph.EntityVariable, FoundInStructure: req.Structures[0].Name}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return nil, fmt.Errorf("resolution model unavailable")
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, _, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want first candidate kept", len(entities))
	}
	if entities[0].FoundInStructure != "A" {
		t.Fatalf("kept candidate from %q, want first", entities[0].FoundInStructure)
	}
}

// Keep-first must follow structure order even when a later structure's
// worker finishes first.
func TestEntityKeepFirstIgnoresCompletionOrder(t *testing.T) {
	structures, lines := entityFixture()

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name == "A" {
				time.Sleep(50 * time.Millisecond)
				return []graph.Entity{{Name: "CUST-REC", Type: graph.EntityVariable, DefinitionLineID: "P_1"}}, nil
			}
			return []graph.Entity{{Name: "Cust-Rec", Type: graph.EntityVariable, DefinitionLineID: "P_99"}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return nil, fmt.Errorf("resolution model unavailable")
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, _, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	if entities[0].Name != "CUST-REC" || entities[0].DefinitionLineID != "P_1" {
		t.Fatalf("kept %q (%s), want the candidate from the first structure", entities[0].Name, entities[0].DefinitionLineID)
	}
}

func TestEntityFinalOrderIsCanonical(t *testing.T) {
	structures, lines := entityFixture()

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name == "A" {
				return []graph.Entity{{Name: "WS-ZETA", Type: graph.EntityVariable}}, nil
			}
			return []graph.Entity{{Name: "WS-ALPHA", Type: graph.EntityVariable}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return req.Candidates, nil
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, _, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	if entities[0].EntityID != "P_WS-ALPHA" || entities[1].EntityID != "P_WS-ZETA" {
		t.Fatalf("order = %q, %q, want sorted by entity_id", entities[0].EntityID, entities[1].EntityID)
	}
}

func TestEntityExtractionFailureSkipsStructure(t *testing.T) {
	structures, lines := entityFixture()

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name == "A" {
				return nil, fmt.Errorf("worker exploded")
			}
			return []graph.Entity{{Name: "OUT-FILE", Type: graph.EntityFile}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return req.Candidates, nil
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, _, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "OUT-FILE" {
		t.Fatalf("entities = %+v, want only OUT-FILE", entities)
	}
}

func TestEntityFinalizeDropsInvalidAndDuplicate(t *testing.T) {
	structures, lines := entityFixture()

	worker := &fakeEntityWorker{
		extract: func(req EntityExtractRequest) ([]graph.Entity, error) {
			if req.Structures[0].Name != "A" {
				return nil, nil
			}
			return []graph.Entity{{Name: "WS-A", Type: graph.EntityType("GADGET")}}, nil
		},
		resolve: func(req EntityResolveRequest) ([]graph.Entity, error) {
			return req.Candidates, nil
		},
	}

	e := &EntityExtractor{Worker: worker, Concurrency: 2}
	entities, _, err := e.Run(context.Background(), "P", structures, lines, noProgress)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entities) != 0 {
		t.Fatalf("entities = %+v, want invalid type dropped", entities)
	}
}
