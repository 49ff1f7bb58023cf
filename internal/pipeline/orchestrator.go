package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
	"cobolgraph/internal/perception"
	"cobolgraph/internal/store"
)

// Progress receives human-readable progress lines as the pipeline runs.
type Progress func(format string, args ...interface{})

// GraphWriter is the stage-5 commit target.
type GraphWriter interface {
	WriteGraph(ctx context.Context, a graph.Artifact) (store.Stats, error)
}

// Options wires an orchestrator. Nil workers default to in-process LLM
// workers over Client.
type Options struct {
	Client       perception.Client
	EntityWorker EntityWorker
	FlowWorker   FlowWorker
	Writer       GraphWriter

	ClassifyConcurrency int
	ExtractConcurrency  int
	FlowConcurrency     int

	// Out receives the progress stream and the sentinel-framed final
	// payload. Nil discards both.
	Out io.Writer
}

// Orchestrator drives the five stages in order and assembles the
// writer-ready artifact.
type Orchestrator struct {
	ingestor   *Ingestor
	structures *StructureIdentifier
	entities   *EntityExtractor
	flow       *FlowExtractor
	writer     GraphWriter
	out        io.Writer
}

// Summary is the final per-run report.
type Summary struct {
	RunID      string         `json:"run_id"`
	ProgramID  string         `json:"program_id"`
	TotalLines int            `json:"total_lines"`
	Structures int            `json:"structures"`
	Coverage   CoverageReport `json:"-"`
	Entities   EntityStats    `json:"entities"`
	Flow       FlowStats      `json:"flow"`
	Written    store.Stats    `json:"written"`
}

// NewOrchestrator builds an orchestrator from options.
func NewOrchestrator(opts Options) *Orchestrator {
	entityWorker := opts.EntityWorker
	if entityWorker == nil {
		entityWorker = &LLMEntityWorker{Client: opts.Client}
	}
	flowWorker := opts.FlowWorker
	if flowWorker == nil {
		flowWorker = &LLMFlowWorker{Client: opts.Client}
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		ingestor:   &Ingestor{Client: opts.Client, Concurrency: opts.ClassifyConcurrency},
		structures: &StructureIdentifier{Client: opts.Client},
		entities:   &EntityExtractor{Worker: entityWorker, Concurrency: opts.ExtractConcurrency},
		flow:       &FlowExtractor{Worker: flowWorker, Concurrency: opts.FlowConcurrency},
		writer:     opts.Writer,
		out:        out,
	}
}

// Run analyzes one source blob end to end and commits the graph. A
// cancelled context stops dispatching new workers and never commits a
// partial transaction.
func (o *Orchestrator) Run(ctx context.Context, content, fileName string) (*Summary, error) {
	runID := uuid.New().String()
	progress := func(format string, args ...interface{}) {
		fmt.Fprintf(o.out, format+"\n", args...)
	}
	logging.Pipeline("run %s: analyzing %s", runID, fileName)

	progress("--- Analysis %s started for %s ---", runID, fileName)

	// Stage 1: line catalog.
	progress("Stage 1: Ingesting lines...")
	program, lines, err := o.ingestor.Run(ctx, content, fileName)
	if err != nil {
		return nil, fmt.Errorf("stage 1 failed: %w", err)
	}
	progress("Stage 1 Complete. Program %s, %d lines.", program.ProgramID, program.TotalLines)

	summary := &Summary{RunID: runID, ProgramID: program.ProgramID, TotalLines: program.TotalLines}

	var structures []graph.Structure
	var entities []graph.Entity
	var flow graph.FlowArtifact

	if len(lines) > 0 {
		// Stage 2: hierarchy. An LLM failure here is fatal; an empty
		// hierarchy is not, the program simply has no recoverable
		// structure and stages 3-4 have nothing to fan out over.
		progress("Stage 2: Identifying structure...")
		var coverage CoverageReport
		structures, lines, coverage, err = o.structures.Run(ctx, program.ProgramID, lines)
		if err != nil {
			return nil, fmt.Errorf("stage 2 failed: %w", err)
		}
		summary.Structures = len(structures)
		summary.Coverage = coverage
		progress("Stage 2 Complete. %d structures, coverage %.1f%%.", len(structures), coverage.Percent())
		if len(coverage.UncoveredLines) > 0 {
			progress("  Uncovered lines (first %d): %v", len(coverage.UncoveredLines), coverage.UncoveredLines)
		}

		if len(structures) > 0 {
			// Stage 3: entities.
			progress("Stage 3: Extracting entities...")
			var entityStats EntityStats
			entities, entityStats, err = o.entities.Run(ctx, program.ProgramID, structures, lines, progress)
			if err != nil {
				return nil, fmt.Errorf("stage 3 failed: %w", err)
			}
			summary.Entities = entityStats

			// Stage 4: flow and references.
			progress("Stage 4: Extracting control flow and references...")
			var flowStats FlowStats
			flow, flowStats, err = o.flow.Run(ctx, program.ProgramID, structures, lines, entities, progress)
			if err != nil {
				return nil, fmt.Errorf("stage 4 failed: %w", err)
			}
			summary.Flow = flowStats
		} else {
			logging.Pipeline("run %s: no structures recovered, skipping stages 3-4", runID)
		}
	}

	artifact := graph.Artifact{
		ProgramID:   program.ProgramID,
		Program:     program,
		SourceLines: lines,
		Structures:  structures,
		Entities:    entities,
		Flow:        flow,
	}

	// Stage 5: single transaction; all or nothing.
	progress("Stage 5: Writing graph...")
	stats, err := o.writer.WriteGraph(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("stage 5 failed: %w", err)
	}
	summary.Written = stats
	progress("Stage 5 Complete. Wrote %d lines, %d structures, %d entities, %d refs, %d flows.",
		stats.Lines, stats.Structures, stats.Entities, stats.References, stats.Flows)

	if err := o.emitArtifact(artifact); err != nil {
		return nil, err
	}

	logging.Pipeline("run %s: complete, program %s committed", runID, program.ProgramID)
	progress("--- Analysis Complete ---")
	return summary, nil
}

// emitArtifact frames the final payload so stream consumers can split on
// the sentinels.
func (o *Orchestrator) emitArtifact(a graph.Artifact) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	fmt.Fprintln(o.out, "JSON_START")
	fmt.Fprintln(o.out, string(payload))
	fmt.Fprintln(o.out, "JSON_END")
	return nil
}
