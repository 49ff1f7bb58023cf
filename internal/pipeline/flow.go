package pipeline

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
)

// FlowExtractor is stage 4: per-structure control-flow and reference
// analysis over the structures that directly contain lines.
type FlowExtractor struct {
	Worker      FlowWorker
	Concurrency int
}

// FlowStats reports resolution counts for the final summary.
type FlowStats struct {
	TargetStructures int
	Flows            int
	References       int
	DroppedEdges     int
}

// Run fans out one worker call per leaf structure and resolves the returned
// names to ids. Edges whose target cannot be resolved are dropped here and
// never reach the writer.
func (f *FlowExtractor) Run(ctx context.Context, programID string, structures []graph.Structure, lines []graph.SourceLine, entities []graph.Entity, progress Progress) (graph.FlowArtifact, FlowStats, error) {
	log := logging.Get(logging.CategoryFlow)
	timer := logging.StartTimer(logging.CategoryFlow, "extract flow")
	defer timer.Stop()

	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}

	entityNames := make([]string, 0, len(entities))
	entityLookup := make(map[string]string, len(entities))
	for _, e := range entities {
		entityNames = append(entityNames, e.Name)
		entityLookup[e.Name] = e.EntityID
	}

	var paragraphNames []string
	structureLookup := make(map[string]string, len(structures))
	for _, s := range structures {
		if s.Type == graph.StructParagraph {
			paragraphNames = append(paragraphNames, s.Name)
		}
		if _, exists := structureLookup[s.Name]; !exists {
			structureLookup[s.Name] = s.StructureID
		}
	}

	// Leaf-only targeting: only structures that own lines in the enriched
	// catalog are analyzed, so ancestor structures never re-extract the
	// lines of their children.
	active := make(map[string]bool)
	for _, l := range lines {
		if l.StructureID != "" {
			active[l.StructureID] = true
		}
	}
	var targets []graph.Structure
	for _, s := range structures {
		if active[s.StructureID] {
			targets = append(targets, s)
		}
	}
	progress("Targeting %d structures (those containing lines).", len(targets))

	var mu sync.Mutex
	var flows []graph.ControlFlow
	var refs []graph.LineReference
	stats := FlowStats{TargetStructures: len(targets)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, st := range targets {
		st := st
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := f.Worker.Analyze(gctx, FlowRequest{
				ProgramID:         programID,
				TargetStructureID: st.StructureID,
				SourceLines:       lines,
				Entities:          entityNames,
				Paragraphs:        paragraphNames,
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Error("flow worker failed for %s, empty contribution: %v", st.Name, err)
				return nil
			}

			var localFlows []graph.ControlFlow
			var localRefs []graph.LineReference
			dropped := 0

			for _, raw := range resp.ControlFlow {
				fType, ok := graph.ParseFlowType(raw.Type)
				if !ok {
					log.Warn("dropping flow edge with type %q outside enum", raw.Type)
					dropped++
					continue
				}
				targetID, ok := structureLookup[raw.TargetStructureName]
				if !ok {
					log.Warn("referential miss: flow target %q unknown (line %d)", raw.TargetStructureName, raw.LineNumber)
					dropped++
					continue
				}
				sourceLineID := graph.LineID(programID, raw.LineNumber)
				localFlows = append(localFlows, graph.ControlFlow{
					FlowID:            graph.FlowID(sourceLineID),
					SourceLineID:      sourceLineID,
					TargetStructureID: targetID,
					Type:              fType,
				})
			}

			for _, raw := range resp.LineReferences {
				usage, ok := graph.ParseUsageType(raw.UsageType)
				if !ok {
					log.Warn("dropping reference with usage %q outside enum", raw.UsageType)
					dropped++
					continue
				}
				targetID, ok := entityLookup[raw.TargetEntityName]
				if !ok {
					log.Warn("referential miss: entity %q unknown (line %d)", raw.TargetEntityName, raw.LineNumber)
					dropped++
					continue
				}
				sourceLineID := graph.LineID(programID, raw.LineNumber)
				localRefs = append(localRefs, graph.LineReference{
					ReferenceID:    graph.ReferenceID(sourceLineID, raw.TargetEntityName),
					SourceLineID:   sourceLineID,
					TargetEntityID: targetID,
					UsageType:      usage,
				})
			}

			mu.Lock()
			flows = append(flows, localFlows...)
			refs = append(refs, localRefs...)
			stats.DroppedEdges += dropped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return graph.FlowArtifact{}, FlowStats{}, err
	}

	// Canonical ordering: worker completion order never leaks downstream.
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].SourceLineID != flows[j].SourceLineID {
			return flows[i].SourceLineID < flows[j].SourceLineID
		}
		return flows[i].TargetStructureID < flows[j].TargetStructureID
	})
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SourceLineID != refs[j].SourceLineID {
			return refs[i].SourceLineID < refs[j].SourceLineID
		}
		return refs[i].ReferenceID < refs[j].ReferenceID
	})

	stats.Flows = len(flows)
	stats.References = len(refs)
	progress("Aggregation Complete. Flows: %d, Refs: %d", stats.Flows, stats.References)

	return graph.FlowArtifact{ControlFlow: flows, LineReferences: refs}, stats, nil
}
