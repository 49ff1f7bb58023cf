package pipeline

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"cobolgraph/internal/graph"
	"cobolgraph/internal/logging"
)

// EntityExtractor is stage 3: per-structure extraction fan-out followed by
// name-keyed reconciliation of conflicting candidates.
type EntityExtractor struct {
	Worker      EntityWorker
	Concurrency int
}

// EntityStats reports counts around the reconciliation funnel.
type EntityStats struct {
	RawEntities int
	UniqueNames int
	Conflicts   int
	Final       int
}

// Run extracts entities from every structure, groups candidates by
// normalized name, and reconciles each conflict group independently. A
// failed extraction skips that structure; a failed resolution keeps the
// group's first candidate. Candidates are ordered by structure position,
// not worker completion, and the final list is sorted by entity id, so
// identical model replies produce an identical artifact.
func (e *EntityExtractor) Run(ctx context.Context, programID string, structures []graph.Structure, lines []graph.SourceLine, progress Progress) ([]graph.Entity, EntityStats, error) {
	log := logging.Get(logging.CategoryEntities)
	timer := logging.StartTimer(logging.CategoryEntities, "extract entities")
	defer timer.Stop()

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = 50
	}

	progress("Phase 1: Extracting from %d structures (Parallel 1:1)...", len(structures))

	// Index-addressed so worker completion order never reaches the
	// candidate lists; groups see candidates in structure order.
	extracted := make([][]graph.Entity, len(structures))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, st := range structures {
		i, st := i, st
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ents, err := e.Worker.Extract(gctx, EntityExtractRequest{
				Mode:        "extract",
				ProgramID:   programID,
				Structures:  []graph.Structure{st},
				SourceLines: lines,
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Error("extraction worker failed for %s: %v", st.Name, err)
				return nil
			}
			extracted[i] = ents
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, EntityStats{}, err
	}

	var raw []graph.Entity
	for _, ents := range extracted {
		raw = append(raw, ents...)
	}

	progress("Phase 1 Complete. Total Raw Entities: %d", len(raw))

	// Group case-insensitively; merged records keep the first observed
	// casing via their own entity_name fields.
	grouped := make(map[string][]graph.Entity)
	var order []string
	for _, ent := range raw {
		norm := strings.ToUpper(strings.TrimSpace(ent.Name))
		if norm == "" {
			log.Warn("dropping extracted entity with empty name in %s", ent.FoundInStructure)
			continue
		}
		if _, seen := grouped[norm]; !seen {
			order = append(order, norm)
		}
		grouped[norm] = append(grouped[norm], ent)
	}

	stats := EntityStats{RawEntities: len(raw), UniqueNames: len(grouped)}
	for _, group := range grouped {
		if len(group) > 1 {
			stats.Conflicts++
		}
	}
	progress("Phase 2: Grouping. %d unique entity names.", len(grouped))
	progress("  Single definitions: %d", len(grouped)-stats.Conflicts)
	progress("  Conflicts to resolve: %d", stats.Conflicts)

	if stats.Conflicts > 0 {
		progress("Phase 3: Resolving conflicts (Parallel)...")
	}

	resolvedGroups := make([][]graph.Entity, len(order))

	rg, rctx := errgroup.WithContext(ctx)
	rg.SetLimit(concurrency)
	for gi, norm := range order {
		gi, norm := gi, norm
		group := grouped[norm]
		if len(group) == 1 {
			resolvedGroups[gi] = group
			continue
		}
		rg.Go(func() error {
			if err := rctx.Err(); err != nil {
				return err
			}
			resolved, err := e.Worker.Resolve(rctx, EntityResolveRequest{
				Mode:       "resolve",
				ProgramID:  programID,
				EntityName: group[0].Name,
				Candidates: group,
			})
			if err != nil {
				if rctx.Err() != nil {
					return rctx.Err()
				}
				log.Error("resolution failed for %s, keeping first candidate: %v", norm, err)
				resolvedGroups[gi] = group[:1]
				return nil
			}
			if len(resolved) == 0 {
				log.Warn("resolution returned nothing for %s, keeping first candidate", norm)
				resolvedGroups[gi] = group[:1]
				return nil
			}
			resolvedGroups[gi] = resolved
			return nil
		})
	}
	if err := rg.Wait(); err != nil {
		return nil, EntityStats{}, err
	}

	var final []graph.Entity
	for _, group := range resolvedGroups {
		final = append(final, group...)
	}

	final = finalizeEntities(programID, final, log)
	// Canonical artifact order.
	sort.Slice(final, func(i, j int) bool { return final[i].EntityID < final[j].EntityID })
	stats.Final = len(final)
	progress("Phase 3 Complete. Final entities: %d", len(final))
	return final, stats, nil
}

// finalizeEntities assigns deterministic ids, validates the type enum, and
// enforces per-program name uniqueness (first wins).
func finalizeEntities(programID string, ents []graph.Entity, log *logging.Logger) []graph.Entity {
	out := make([]graph.Entity, 0, len(ents))
	seen := make(map[string]bool, len(ents))
	for _, ent := range ents {
		t, ok := graph.ParseEntityType(string(ent.Type))
		if !ok {
			log.Warn("dropping entity %s with type %q outside enum", ent.Name, ent.Type)
			continue
		}
		ent.Type = t
		ent.ProgramID = programID
		ent.EntityID = graph.EntityID(programID, ent.Name)
		if seen[ent.EntityID] {
			log.Warn("dropping duplicate entity id %s after reconciliation", ent.EntityID)
			continue
		}
		seen[ent.EntityID] = true
		out = append(out, ent)
	}
	return out
}
