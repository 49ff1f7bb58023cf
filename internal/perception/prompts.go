package perception

import (
	"fmt"
	"strings"
)

// Context windows carried in extraction prompts. Whole-program context is
// reference material for the model, so it is truncated rather than chunked.
const (
	EntityContextLimit = 30000
	FlowContextLimit   = 50000
)

// Truncate caps s at limit bytes, marking the cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + " ... (truncated if too long)"
}

// ClassificationPrompt builds the single-line classification prompt.
// contextStr is the surrounding window of raw source lines.
func ClassificationPrompt(targetLine, contextStr string) string {
	return fmt.Sprintf(`Classify this specific COBOL line.

TARGET LINE CONTENT: %q

Options: 'CODE', 'COMMENT', 'BLANK', 'DIRECTIVE'.

Definitions:
- COMMENT: Lines starting with * or / in column 7.
- BLANK: Empty lines or whitespace only.
- DIRECTIVE: COPY, EJECT, SKIP statements.
- CODE: Everything else.

Surrounding Context (for reference):
%s

Return JSON: { "type": "..." }`, targetLine, contextStr)
}

// MetadataPrompt builds the program identification prompt. The raw source
// follows the instruction block.
func MetadataPrompt(source string) string {
	return fmt.Sprintf(`Analyze this COBOL source code.
Extract the PROGRAM-ID. If not found, suggest a name based on the content or file header.

Return a JSON object with:
- "program_id": string

SOURCE:
%s`, source)
}

// StructurePrompt builds the whole-program structure identification prompt.
// numberedCode is the source rendered one line per row as "%06d | content".
func StructurePrompt(numberedCode string) string {
	return fmt.Sprintf(`Analyze this COBOL source code structure.
Identify all DIVISIONS, SECTIONS, and PARAGRAPHS.

Return a JSON object with a list of "structures".
Each structure must have:
- "name": The exact name (e.g., "IDENTIFICATION DIVISION", "MAIN-PARA").
- "type": "DIVISION", "SECTION", or "PARAGRAPH".
- "start_line": The distinct line number (from the provided text) where it starts.

Rules:
- Do not invent structures.
- Capture every paragraph in the PROCEDURE DIVISION.
- Capture File Definitions (FD) if they look like structural blocks (optional, but focus on Control Flow).

CODE:
%s`, numberedCode)
}

// EntityExtractPrompt builds the per-structure entity extraction prompt.
func EntityExtractPrompt(programID, structName, structType, fullContext, structContent string) string {
	return fmt.Sprintf(`You are analyzing COBOL structure: %s (%s).
Program: %s.

=== FULL PROGRAM CONTEXT ===
%s

=== CURRENT STRUCTURE ===
%s

Task: Extract ALL Data Entities defined OR referenced in this code block.
Include: FILE, VARIABLE, COPYBOOK.
Set definition_line_id if defined here.`,
		structName, structType, programID, Truncate(fullContext, EntityContextLimit), structContent)
}

// EntityResolvePrompt builds the conflict resolution prompt for one group of
// same-named entity candidates. candidatesJSON is the pretty-printed group.
func EntityResolvePrompt(programID, entityName, candidatesJSON string) string {
	return fmt.Sprintf(`Conflict Resolution.
Entity: %s
Program: %s

I have found multiple definitions/usages for this entity from different parts of the code:
%s

Task: Analyze these candidates.
1. If they refer to the SAME logical entity (just seen in different places), MERGE them into a single record.
2. If they refer to DIFFERENT entities sharing the same name (e.g. defined in different FDs, different PIC clauses), KEEP them separate.
   - Rename them to ensure uniqueness by appending the DEFINITION LINE NUMBER or STRUCTURE NAME (e.g., 'FD-CUST-DATA_L100' or 'FD-CUST-DATA_DALYTRAN').
   - Ensure the description explains why they are distinct.

Return a LIST of resolved entities (usually length 1, but >1 if distinct).`,
		entityName, programID, candidatesJSON)
}

// FlowPrompt builds the per-structure control-flow and reference prompt.
// entityNames and paragraphNames are the closed vocabularies the model may
// target; fullCode and targetCode are "N | content" renderings.
func FlowPrompt(programID, targetStructureID string, entityNames, paragraphNames []string, fullCode, targetCode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are analyzing the Control Flow and Data References for a specific COBOL structure.

Program: %s
Target Structure ID: %s

KNOWN ENTITIES (Variables/Files):
[%s]

KNOWN PARAGRAPHS (Flow Targets):
[%s]

=== FULL PROGRAM CONTEXT (For Reference) ===
%s

=== TARGET STRUCTURE CODE (Analyze THESE lines) ===
%s

`, programID, targetStructureID,
		quoteJoin(entityNames), quoteJoin(paragraphNames),
		Truncate(fullCode, FlowContextLimit), targetCode)

	b.WriteString(`TASK:
1. Identify **Control Flow**: ` + "`PERFORM`, `GO TO`, `CALL`" + ` statements.
   - Target must be in KNOWN PARAGRAPHS (for internal flow).
   - Type: 'PERFORM', 'GO_TO', 'CALL'.
2. Identify **Line References**: Usages of KNOWN ENTITIES.
   - Usage Types:
     - 'READS': Entity value is used/read (source in MOVE, displayed, used in COMPUTE, READ file INTO record).
     - 'WRITES': Entity is written to an output file (WRITE record).
     - 'UPDATES': Entity is modified/receives data (target in MOVE, result of COMPUTE, REWRITE record).
     - 'VALIDATES': Entity is checked in a condition (IF A = 'Y', EVALUATE).
     - 'OPENS': File is opened (OPEN INPUT/OUTPUT/EXTEND file).
     - 'CLOSES': File is closed (CLOSE file).
     - 'DECLARATION': Definition (FD, 01, 05 level, SELECT).

   CRITICAL FILE I/O RULES:
     - OPEN INPUT/OUTPUT/EXTEND file-name -> usage_type = 'OPENS' (NOT 'READS')
     - CLOSE file-name -> usage_type = 'CLOSES' (NOT 'READS' or 'UPDATES')
     - READ file-name INTO variable -> file usage_type = 'READS', variable = 'UPDATES'
     - WRITE record-name -> record usage_type = 'WRITES'
     - REWRITE record-name -> record usage_type = 'UPDATES'

OUTPUT JSON:
{
  "control_flow": [
    { "line_number": <int>, "target_structure_name": "<name>", "type": "<type>" }
  ],
  "line_references": [
    { "line_number": <int>, "target_entity_name": "<name>", "usage_type": "<type>" }
  ]
}`)
	return b.String()
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}
