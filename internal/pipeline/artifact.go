package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"cobolgraph/internal/graph"
)

// NDJSON line-catalog exchange. When stages run as separate services the
// stage-1 output travels as one record per line: a metadata record first,
// then one line_record per source line.

type ndjsonRecord struct {
	Type    string         `json:"type"`
	Program *graph.Program `json:"program,omitempty"`

	LineID     string `json:"line_id,omitempty"`
	ProgramID  string `json:"program_id,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`
	Content    string `json:"content,omitempty"`
	LineType   string `json:"line_type,omitempty"`

	Error string `json:"error,omitempty"`
}

// WriteLineCatalog streams a stage-1 result as NDJSON.
func WriteLineCatalog(w io.Writer, program graph.Program, lines []graph.SourceLine) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(ndjsonRecord{Type: "metadata", Program: &program}); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	for _, l := range lines {
		rec := ndjsonRecord{
			Type:       "line_record",
			LineID:     l.LineID,
			ProgramID:  l.ProgramID,
			LineNumber: l.LineNumber,
			Content:    l.Content,
			LineType:   string(l.LineType),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode line %s: %w", l.LineID, err)
		}
	}
	return nil
}

// ReadLineCatalog parses an NDJSON stage-1 stream back into records. An
// error record in the stream surfaces as an error.
func ReadLineCatalog(r io.Reader) (graph.Program, []graph.SourceLine, error) {
	var program graph.Program
	var lines []graph.SourceLine
	sawMetadata := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec ndjsonRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return program, nil, fmt.Errorf("malformed NDJSON record: %w", err)
		}
		switch rec.Type {
		case "metadata":
			if rec.Program != nil {
				program = *rec.Program
				sawMetadata = true
			}
		case "line_record":
			t, ok := graph.ParseLineType(rec.LineType)
			if !ok {
				t = graph.LineCode
			}
			lines = append(lines, graph.SourceLine{
				LineID:     rec.LineID,
				ProgramID:  rec.ProgramID,
				LineNumber: rec.LineNumber,
				Content:    rec.Content,
				LineType:   t,
			})
		default:
			if rec.Error != "" {
				return program, nil, fmt.Errorf("stream error: %s", rec.Error)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return program, nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if !sawMetadata {
		return program, nil, fmt.Errorf("stream missing metadata record")
	}
	return program, lines, nil
}
