// Package pipeline implements the five-stage COBOL analysis pipeline:
// line ingestion, structure identification, entity extraction and
// reconciliation, flow and reference extraction, and the orchestrator that
// drives them into the graph writer. LLM calls classify and extract;
// structural arithmetic (end lines, parent links, id synthesis, name
// resolution) is always recomputed deterministically.
package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
	"cobolgraph/internal/perception"
)

// Ingestor is stage 1: it turns a raw source blob into the numbered,
// classified line catalog and extracts the program id.
type Ingestor struct {
	Client      perception.Client
	Concurrency int
}

// contextWindow is the number of lines shown around a classification target.
const contextWindow = 25

// SplitLines splits a blob on newline boundaries, stripping the newline and
// any carriage return. A trailing newline does not produce a phantom line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// FilenameStemID derives the fallback program id from a filename.
func FilenameStemID(fileName string) string {
	stem := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	stem = strings.ReplaceAll(strings.TrimSpace(stem), " ", "_")
	if stem == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(stem)
}

// Run ingests the blob. The metadata call falls back to the filename stem;
// per-line classification failures default to CODE. Neither fails the stage.
func (in *Ingestor) Run(ctx context.Context, content, fileName string) (graph.Program, []graph.SourceLine, error) {
	log := logging.Get(logging.CategoryIngest)
	timer := logging.StartTimer(logging.CategoryIngest, "ingest")
	defer timer.Stop()

	lines := SplitLines(content)

	programID := in.extractProgramID(ctx, content, fileName)
	program := graph.Program{
		ProgramID:   programID,
		ProgramName: programID,
		FileName:    fileName,
		TotalLines:  len(lines),
	}
	log.Info("program %s: %d lines from %s", programID, len(lines), fileName)

	if len(lines) == 0 {
		return program, nil, nil
	}

	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = 20
	}

	types := make([]graph.LineType, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range lines {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			types[i] = in.classifyLine(gctx, lines, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return program, nil, err
	}

	catalog := make([]graph.SourceLine, len(lines))
	for i, l := range lines {
		catalog[i] = graph.SourceLine{
			LineID:     graph.LineID(programID, i+1),
			ProgramID:  programID,
			LineNumber: i + 1,
			Content:    l,
			LineType:   types[i],
		}
	}
	return program, catalog, nil
}

func (in *Ingestor) extractProgramID(ctx context.Context, content, fileName string) string {
	raw, err := in.Client.GenerateJSON(ctx, perception.Request{
		Prompt:      perception.MetadataPrompt(content),
		Schema:      perception.MetadataSchema(),
		Temperature: 0.0,
		Tag:         "Metadata " + fileName,
	})
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("metadata extraction failed, using filename stem: %v", err)
		return FilenameStemID(fileName)
	}

	var parsed struct {
		ProgramID string `json:"program_id"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || strings.TrimSpace(parsed.ProgramID) == "" {
		logging.Get(logging.CategoryIngest).Warn("unusable metadata response, using filename stem")
		return FilenameStemID(fileName)
	}
	return strings.ToUpper(strings.TrimSpace(parsed.ProgramID))
}

// classifyLine classifies one line with a sliding window of surrounding
// source for context. Any failure defaults to CODE so the catalog stays
// total.
func (in *Ingestor) classifyLine(ctx context.Context, lines []string, index int) graph.LineType {
	start := index - contextWindow
	if start < 0 {
		start = 0
	}
	end := index + contextWindow + 1
	if end > len(lines) {
		end = len(lines)
	}
	contextStr := strings.Join(lines[start:end], "\n")

	raw, err := in.Client.GenerateJSON(ctx, perception.Request{
		Prompt:      perception.ClassificationPrompt(lines[index], contextStr),
		Schema:      perception.ClassificationSchema(),
		Temperature: 0.0,
		Tag:         graph.LineID("line", index+1),
	})
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("classification failed for line %d, defaulting to CODE: %v", index+1, err)
		return graph.LineCode
	}

	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logging.Get(logging.CategoryIngest).Warn("unparseable classification for line %d, defaulting to CODE", index+1)
		return graph.LineCode
	}
	t, ok := graph.ParseLineType(parsed.Type)
	if !ok {
		logging.Get(logging.CategoryIngest).Warn("classification %q for line %d outside enum, defaulting to CODE", parsed.Type, index+1)
		return graph.LineCode
	}
	return t
}
