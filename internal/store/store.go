// Package store persists analyzed program graphs into sqlite. The schema is
// relational-plus-graph: every table keys on a deterministic surrogate id,
// so re-analysis of the same program upserts in place.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
)

// GraphStore is the transactional writer target. A single writer connection
// avoids SQLITE_BUSY churn under concurrent callers.
type GraphStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Stats tallies rows written in one commit.
type Stats struct {
	Programs   int
	Lines      int
	Structures int
	Entities   int
	References int
	Flows      int
}

// NewGraphStore opens (or creates) the graph database at path.
func NewGraphStore(path string) (*GraphStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." && dir != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	db.SetMaxOpenConns(1)

	s := &GraphStore{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("graph store opened at %s", path)
	return s, nil
}

func (s *GraphStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS Programs (
		program_id    TEXT PRIMARY KEY,
		program_name  TEXT NOT NULL,
		file_name     TEXT NOT NULL,
		total_lines   INTEGER NOT NULL,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		last_analyzed TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS CodeStructure (
		structure_id        TEXT PRIMARY KEY,
		program_id          TEXT NOT NULL,
		name                TEXT NOT NULL,
		type                TEXT NOT NULL,
		start_line_number   INTEGER NOT NULL,
		end_line_number     INTEGER NOT NULL,
		parent_structure_id TEXT,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_structure_program ON CodeStructure(program_id);

	CREATE TABLE IF NOT EXISTS SourceCodeLines (
		line_id      TEXT PRIMARY KEY,
		program_id   TEXT NOT NULL,
		line_number  INTEGER NOT NULL,
		content      TEXT NOT NULL,
		line_type    TEXT NOT NULL,
		structure_id TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lines_program ON SourceCodeLines(program_id);

	CREATE TABLE IF NOT EXISTS DataEntities (
		entity_id          TEXT PRIMARY KEY,
		program_id         TEXT NOT NULL,
		entity_name        TEXT NOT NULL,
		entity_type        TEXT NOT NULL,
		definition_line_id TEXT,
		description        TEXT,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_program ON DataEntities(program_id);

	CREATE TABLE IF NOT EXISTS LineReferences (
		reference_id     TEXT PRIMARY KEY,
		source_line_id   TEXT NOT NULL,
		target_entity_id TEXT NOT NULL,
		usage_type       TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refs_source ON LineReferences(source_line_id);

	CREATE TABLE IF NOT EXISTS ControlFlow (
		flow_id             TEXT PRIMARY KEY,
		source_line_id      TEXT NOT NULL,
		target_structure_id TEXT NOT NULL,
		type                TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flow_source ON ControlFlow(source_line_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// WriteGraph commits one artifact in a single transaction, upserting in
// fixed order: program, structures, lines, entities, references, flow.
// Reruns are additive: rows absent from the artifact are left in place.
func (s *GraphStore) WriteGraph(ctx context.Context, a graph.Artifact) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "write graph "+a.ProgramID)
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// One timestamp for the whole commit.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var stats Stats

	_, err = tx.ExecContext(ctx, `
		INSERT INTO Programs (program_id, program_name, file_name, total_lines, created_at, updated_at, last_analyzed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(program_id) DO UPDATE SET
			program_name = excluded.program_name,
			file_name = excluded.file_name,
			total_lines = excluded.total_lines,
			updated_at = excluded.updated_at,
			last_analyzed = excluded.last_analyzed`,
		a.Program.ProgramID, a.Program.ProgramName, a.Program.FileName, a.Program.TotalLines, now, now, now)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to write program: %w", err)
	}
	stats.Programs = 1

	stmtStruct, err := tx.PrepareContext(ctx, `
		INSERT INTO CodeStructure (structure_id, program_id, name, type, start_line_number, end_line_number, parent_structure_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(structure_id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			start_line_number = excluded.start_line_number,
			end_line_number = excluded.end_line_number,
			parent_structure_id = excluded.parent_structure_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to prepare structure upsert: %w", err)
	}
	defer stmtStruct.Close()
	for _, st := range a.Structures {
		if _, err := stmtStruct.ExecContext(ctx, st.StructureID, st.ProgramID, st.Name, string(st.Type), st.StartLine, st.EndLine, nullable(st.ParentStructureID), now, now); err != nil {
			return Stats{}, fmt.Errorf("failed to write structure %s: %w", st.StructureID, err)
		}
		stats.Structures++
	}

	stmtLine, err := tx.PrepareContext(ctx, `
		INSERT INTO SourceCodeLines (line_id, program_id, line_number, content, line_type, structure_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(line_id) DO UPDATE SET
			content = excluded.content,
			line_type = excluded.line_type,
			structure_id = excluded.structure_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to prepare line upsert: %w", err)
	}
	defer stmtLine.Close()
	for _, l := range a.SourceLines {
		if _, err := stmtLine.ExecContext(ctx, l.LineID, l.ProgramID, l.LineNumber, l.Content, string(l.LineType), nullable(l.StructureID), now, now); err != nil {
			return Stats{}, fmt.Errorf("failed to write line %s: %w", l.LineID, err)
		}
		stats.Lines++
	}

	stmtEntity, err := tx.PrepareContext(ctx, `
		INSERT INTO DataEntities (entity_id, program_id, entity_name, entity_type, definition_line_id, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			entity_name = excluded.entity_name,
			entity_type = excluded.entity_type,
			definition_line_id = excluded.definition_line_id,
			description = excluded.description,
			updated_at = excluded.updated_at`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to prepare entity upsert: %w", err)
	}
	defer stmtEntity.Close()
	for _, e := range a.Entities {
		if _, err := stmtEntity.ExecContext(ctx, e.EntityID, e.ProgramID, e.Name, string(e.Type), nullable(e.DefinitionLineID), e.Description, now, now); err != nil {
			return Stats{}, fmt.Errorf("failed to write entity %s: %w", e.EntityID, err)
		}
		stats.Entities++
	}

	stmtRef, err := tx.PrepareContext(ctx, `
		INSERT INTO LineReferences (reference_id, source_line_id, target_entity_id, usage_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference_id) DO UPDATE SET
			source_line_id = excluded.source_line_id,
			target_entity_id = excluded.target_entity_id,
			usage_type = excluded.usage_type,
			updated_at = excluded.updated_at`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to prepare reference upsert: %w", err)
	}
	defer stmtRef.Close()
	for _, r := range a.Flow.LineReferences {
		if _, err := stmtRef.ExecContext(ctx, r.ReferenceID, r.SourceLineID, r.TargetEntityID, string(r.UsageType), now, now); err != nil {
			return Stats{}, fmt.Errorf("failed to write reference %s: %w", r.ReferenceID, err)
		}
		stats.References++
	}

	stmtFlow, err := tx.PrepareContext(ctx, `
		INSERT INTO ControlFlow (flow_id, source_line_id, target_structure_id, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			source_line_id = excluded.source_line_id,
			target_structure_id = excluded.target_structure_id,
			type = excluded.type,
			updated_at = excluded.updated_at`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to prepare flow upsert: %w", err)
	}
	defer stmtFlow.Close()
	for _, fl := range a.Flow.ControlFlow {
		if _, err := stmtFlow.ExecContext(ctx, fl.FlowID, fl.SourceLineID, fl.TargetStructureID, string(fl.Type), now, now); err != nil {
			return Stats{}, fmt.Errorf("failed to write flow %s: %w", fl.FlowID, err)
		}
		stats.Flows++
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("failed to commit graph: %w", err)
	}

	logging.Store("committed %s: %d lines, %d structures, %d entities, %d refs, %d flows",
		a.ProgramID, stats.Lines, stats.Structures, stats.Entities, stats.References, stats.Flows)
	return stats, nil
}

// CountRows returns the row count of one of the graph tables. Used by
// operational tooling and tests; the table name is matched against the
// known schema, not interpolated from caller input.
func (s *GraphStore) CountRows(ctx context.Context, table string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch table {
	case "Programs", "CodeStructure", "SourceCodeLines", "DataEntities", "LineReferences", "ControlFlow":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *GraphStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
