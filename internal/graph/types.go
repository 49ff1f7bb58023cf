// Package graph defines the canonical data model for an analyzed COBOL
// program: numbered source lines, the structure hierarchy, data entities,
// line references, and control-flow edges. Identifiers are pure functions of
// their inputs so that later pipeline stages can reference earlier artifacts
// by string construction alone.
package graph

import (
	"fmt"
	"strings"
)

// LineType classifies a single source line.
type LineType string

const (
	LineCode      LineType = "CODE"
	LineComment   LineType = "COMMENT"
	LineBlank     LineType = "BLANK"
	LineDirective LineType = "DIRECTIVE"
)

// StructureType identifies a hierarchical block in the source.
type StructureType string

const (
	StructDivision  StructureType = "DIVISION"
	StructSection   StructureType = "SECTION"
	StructParagraph StructureType = "PARAGRAPH"
)

// EntityType identifies a named data object.
type EntityType string

const (
	EntityFile     EntityType = "FILE"
	EntityVariable EntityType = "VARIABLE"
	EntityCopybook EntityType = "COPYBOOK"
)

// UsageType tags a line reference with usage semantics.
type UsageType string

const (
	UsageReads       UsageType = "READS"
	UsageWrites      UsageType = "WRITES"
	UsageUpdates     UsageType = "UPDATES"
	UsageValidates   UsageType = "VALIDATES"
	UsageOpens       UsageType = "OPENS"
	UsageCloses      UsageType = "CLOSES"
	UsageDeclaration UsageType = "DECLARATION"
)

// FlowType identifies a control transfer.
type FlowType string

const (
	FlowPerform FlowType = "PERFORM"
	FlowGoTo    FlowType = "GO_TO"
	FlowCall    FlowType = "CALL"
)

// Rank returns the hierarchy rank of a structure type.
// DIVISION=1, SECTION=2, PARAGRAPH=3. Unknown types rank as paragraphs.
func Rank(t StructureType) int {
	switch t {
	case StructDivision:
		return 1
	case StructSection:
		return 2
	default:
		return 3
	}
}

// Program is the per-run root record.
type Program struct {
	ProgramID   string `json:"program_id"`
	ProgramName string `json:"program_name"`
	FileName    string `json:"file_name"`
	TotalLines  int    `json:"total_lines"`
}

// SourceLine is one 1-based numbered line of the source blob.
// StructureID is empty until stage 2 enriches the catalog.
type SourceLine struct {
	LineID      string   `json:"line_id"`
	ProgramID   string   `json:"program_id"`
	LineNumber  int      `json:"line_number"`
	Content     string   `json:"content"`
	LineType    LineType `json:"line_type"`
	StructureID string   `json:"structure_id,omitempty"`
}

// Structure is a named hierarchical block with an inclusive line interval.
type Structure struct {
	StructureID       string        `json:"structure_id"`
	ProgramID         string        `json:"program_id"`
	Name              string        `json:"name"`
	Type              StructureType `json:"type"`
	StartLine         int           `json:"start_line"`
	EndLine           int           `json:"end_line"`
	ParentStructureID string        `json:"parent_structure_id,omitempty"`
}

// Entity is a named data object the program defines or references.
// DefinitionLineID is empty for entities defined in an included module.
type Entity struct {
	EntityID         string     `json:"entity_id"`
	ProgramID        string     `json:"program_id"`
	Name             string     `json:"entity_name"`
	Type             EntityType `json:"entity_type"`
	DefinitionLineID string     `json:"definition_line_id,omitempty"`
	Description      string     `json:"description,omitempty"`
	FoundInStructure string     `json:"found_in_structure,omitempty"`
}

// LineReference is a directed edge from a source line to an entity.
type LineReference struct {
	ReferenceID    string    `json:"reference_id"`
	SourceLineID   string    `json:"source_line_id"`
	TargetEntityID string    `json:"target_entity_id"`
	UsageType      UsageType `json:"usage_type"`
}

// ControlFlow is a directed edge from a source line to a target structure.
type ControlFlow struct {
	FlowID            string   `json:"flow_id"`
	SourceLineID      string   `json:"source_line_id"`
	TargetStructureID string   `json:"target_structure_id"`
	Type              FlowType `json:"type"`
}

// FlowArtifact bundles the two stage-4 edge sets.
type FlowArtifact struct {
	ControlFlow    []ControlFlow   `json:"control_flow"`
	LineReferences []LineReference `json:"line_references"`
}

// Artifact is the writer-ready payload assembled by the orchestrator.
type Artifact struct {
	ProgramID   string       `json:"program_id"`
	Program     Program      `json:"program"`
	SourceLines []SourceLine `json:"source_lines"`
	Structures  []Structure  `json:"structures"`
	Entities    []Entity     `json:"entities"`
	Flow        FlowArtifact `json:"flow"`
}

// LineID builds the deterministic id of a source line.
func LineID(programID string, lineNumber int) string {
	return fmt.Sprintf("%s_%d", programID, lineNumber)
}

// StructureID builds the deterministic id of a structure from its name.
// Spaces become underscores and the name is uppercased.
func StructureID(programID, name string) string {
	safe := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	return fmt.Sprintf("sec_%s_%s", programID, safe)
}

// EntityID builds the deterministic id of an entity.
func EntityID(programID, name string) string {
	return fmt.Sprintf("%s_%s", programID, name)
}

// ReferenceID builds the deterministic id of a line reference.
func ReferenceID(sourceLineID, targetEntityName string) string {
	return fmt.Sprintf("ref_%s_%s", sourceLineID, targetEntityName)
}

// FlowID builds the deterministic id of a control-flow edge.
func FlowID(sourceLineID string) string {
	return fmt.Sprintf("flow_%s", sourceLineID)
}

// ParseLineType validates an LLM-returned line classification.
func ParseLineType(s string) (LineType, bool) {
	switch t := LineType(strings.ToUpper(strings.TrimSpace(s))); t {
	case LineCode, LineComment, LineBlank, LineDirective:
		return t, true
	}
	return "", false
}

// ParseStructureType validates an LLM-returned structure type.
func ParseStructureType(s string) (StructureType, bool) {
	switch t := StructureType(strings.ToUpper(strings.TrimSpace(s))); t {
	case StructDivision, StructSection, StructParagraph:
		return t, true
	}
	return "", false
}

// ParseEntityType validates an LLM-returned entity type.
func ParseEntityType(s string) (EntityType, bool) {
	switch t := EntityType(strings.ToUpper(strings.TrimSpace(s))); t {
	case EntityFile, EntityVariable, EntityCopybook:
		return t, true
	}
	return "", false
}

// ParseUsageType validates an LLM-returned usage type.
func ParseUsageType(s string) (UsageType, bool) {
	switch t := UsageType(strings.ToUpper(strings.TrimSpace(s))); t {
	case UsageReads, UsageWrites, UsageUpdates, UsageValidates, UsageOpens, UsageCloses, UsageDeclaration:
		return t, true
	}
	return "", false
}

// ParseFlowType validates an LLM-returned flow type.
func ParseFlowType(s string) (FlowType, bool) {
	switch t := FlowType(strings.ToUpper(strings.TrimSpace(s))); t {
	case FlowPerform, FlowGoTo, FlowCall:
		return t, true
	}
	return "", false
}
