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

// StructureIdentifier is stage 2: it recovers the division/section/paragraph
// hierarchy and assigns each line to its innermost enclosing structure.
type StructureIdentifier struct {
	Client perception.Client
}

// CoverageReport summarizes how much of the line catalog the recovered
// hierarchy accounts for.
type CoverageReport struct {
	TotalLines     int
	CoveredLines   int
	UncoveredLines []int // first 20 uncovered line numbers
}

// Percent returns line coverage as a percentage.
func (c CoverageReport) Percent() float64 {
	if c.TotalLines == 0 {
		return 100.0
	}
	return float64(c.CoveredLines) / float64(c.TotalLines) * 100.0
}

// Run identifies structures. The model returns only names, types, and start
// lines; end lines, parent links, and ids are derived here. The enriched
// line catalog is returned alongside.
func (s *StructureIdentifier) Run(ctx context.Context, programID string, lines []graph.SourceLine) ([]graph.Structure, []graph.SourceLine, CoverageReport, error) {
	log := logging.Get(logging.CategoryStructure)
	timer := logging.StartTimer(logging.CategoryStructure, "identify structure")
	defer timer.Stop()

	if len(lines) == 0 {
		return nil, lines, CoverageReport{}, nil
	}

	var numbered strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&numbered, "%06d | %s\n", l.LineNumber, l.Content)
	}

	raw, err := s.Client.GenerateJSON(ctx, perception.Request{
		Prompt:          perception.StructurePrompt(numbered.String()),
		Schema:          perception.StructureSchema(),
		Temperature:     1.0,
		MaxOutputTokens: 65535,
		Tag:             "Structure " + programID,
	})
	if err != nil {
		return nil, nil, CoverageReport{}, fmt.Errorf("structure identification failed: %w", err)
	}

	var parsed struct {
		Structures []struct {
			Name      string `json:"name"`
			Type      string `json:"type"`
			StartLine int    `json:"start_line"`
		} `json:"structures"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, nil, CoverageReport{}, fmt.Errorf("unparseable structure response: %w", err)
	}

	totalLines := len(lines)

	type candidate struct {
		name      string
		sType     graph.StructureType
		startLine int
	}
	candidates := make([]candidate, 0, len(parsed.Structures))
	for _, st := range parsed.Structures {
		sType, ok := graph.ParseStructureType(st.Type)
		if !ok {
			log.Warn("discarding structure %q with type %q outside enum", st.Name, st.Type)
			continue
		}
		if st.StartLine < 1 || st.StartLine > totalLines {
			log.Warn("discarding structure %q with out-of-bounds start line %d", st.Name, st.StartLine)
			continue
		}
		candidates = append(candidates, candidate{name: st.Name, sType: sType, startLine: st.StartLine})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].startLine < candidates[j].startLine
	})

	structures := make([]graph.Structure, 0, len(candidates))
	for i, cur := range candidates {
		curRank := graph.Rank(cur.sType)

		// End: one before the next structure at the same or higher level,
		// else end of file.
		endLine := totalLines
		for _, next := range candidates[i+1:] {
			if graph.Rank(next.sType) <= curRank {
				endLine = next.startLine - 1
				break
			}
		}

		// Parent: closest preceding structure of a strictly higher level.
		parentID := ""
		for j := len(structures) - 1; j >= 0; j-- {
			if graph.Rank(structures[j].Type) < curRank {
				parentID = structures[j].StructureID
				break
			}
		}

		structures = append(structures, graph.Structure{
			StructureID:       graph.StructureID(programID, cur.name),
			ProgramID:         programID,
			Name:              cur.name,
			Type:              cur.sType,
			StartLine:         cur.startLine,
			EndLine:           endLine,
			ParentStructureID: parentID,
		})
	}

	enriched := EnrichLines(lines, structures)
	coverage := buildCoverage(enriched)
	log.Info("program %s: %d structures, line coverage %.1f%%", programID, len(structures), coverage.Percent())

	return structures, enriched, coverage, nil
}

// EnrichLines assigns each line the id of its innermost enclosing structure.
// Structures are applied in ascending rank so paragraphs overwrite the
// sections and divisions that contain them.
func EnrichLines(lines []graph.SourceLine, structures []graph.Structure) []graph.SourceLine {
	ordered := make([]graph.Structure, len(structures))
	copy(ordered, structures)
	sort.SliceStable(ordered, func(i, j int) bool {
		return graph.Rank(ordered[i].Type) < graph.Rank(ordered[j].Type)
	})

	byNumber := make(map[int]string)
	for _, st := range ordered {
		for ln := st.StartLine; ln <= st.EndLine; ln++ {
			byNumber[ln] = st.StructureID
		}
	}

	enriched := make([]graph.SourceLine, len(lines))
	copy(enriched, lines)
	for i := range enriched {
		if id, ok := byNumber[enriched[i].LineNumber]; ok {
			enriched[i].StructureID = id
		}
	}
	return enriched
}

func buildCoverage(lines []graph.SourceLine) CoverageReport {
	report := CoverageReport{TotalLines: len(lines)}
	for _, l := range lines {
		if l.StructureID != "" {
			report.CoveredLines++
		} else if len(report.UncoveredLines) < 20 {
			report.UncoveredLines = append(report.UncoveredLines, l.LineNumber)
		}
	}
	return report
}
