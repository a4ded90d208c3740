package tracker

import (
	"context"
	"sort"

	"linecook/internal/domain"
)

// AncestorMap maps a bead id to the id of its first epic ancestor (itself,
// if the bead is an epic). Built once per iteration by BuildAncestorMap and
// reused by every selection and filtering step within that iteration
// (spec.md §8 property 3: no repeated parent-walk subprocess calls).
type AncestorMap map[string]string

// BuildAncestorMap walks each ready bead's parent chain (via Show, depth
// bounded by domain.MaxAncestorDepth) to its first epic ancestor. Lookups
// are memoized across the whole pass, so a shared parent is only fetched
// once.
func BuildAncestorMap(ctx context.Context, g *Gateway, ready []domain.Bead) AncestorMap {
	cache := make(map[string]domain.Bead, len(ready))
	for _, b := range ready {
		cache[b.ID] = b
	}
	result := make(AncestorMap, len(ready))
	for _, b := range ready {
		result[b.ID] = ancestorEpic(ctx, g, b, cache)
	}
	return result
}

func ancestorEpic(ctx context.Context, g *Gateway, b domain.Bead, cache map[string]domain.Bead) string {
	cur := b
	for depth := 0; depth < domain.MaxAncestorDepth; depth++ {
		if cur.Type == domain.IssueEpic {
			return cur.ID
		}
		if cur.Parent == "" {
			return ""
		}
		parent, ok := cache[cur.Parent]
		if !ok {
			fetched, found := g.Show(ctx, cur.Parent)
			if !found {
				return ""
			}
			cache[cur.Parent] = fetched
			parent = fetched
		}
		cur = parent
	}
	return "" // depth exceeded; treat as no epic ancestor rather than loop
}

// parkingLotTitles is the default set of epic titles excluded from
// auto-selection (spec.md §4.6 step 3).
var parkingLotTitles = map[string]bool{
	"Retrospective": true,
	"Backlog":       true,
}

// ExcludedEpicIDs scans ready epics for parking-lot titles.
func ExcludedEpicIDs(ready []domain.Bead) map[string]bool {
	excluded := make(map[string]bool)
	for _, b := range ready {
		if b.Type == domain.IssueEpic && parkingLotTitles[b.Title] {
			excluded[b.ID] = true
		}
	}
	return excluded
}

// ReadyForSelection restricts the ready list to non-epics, optionally
// filtered to a single epic ancestor.
func ReadyForSelection(ready []domain.Bead, ancestors AncestorMap, epicFilter string) []domain.Bead {
	out := make([]domain.Bead, 0, len(ready))
	for _, b := range ready {
		if b.Type == domain.IssueEpic {
			continue
		}
		if epicFilter != "" && ancestors[b.ID] != epicFilter {
			continue
		}
		out = append(out, b)
	}
	return out
}

// SelectNext picks the next task from the filtered ready work: prefer type
// task over feature, skip ids on the skip list, break ties by priority then
// id for determinism.
func SelectNext(candidates []domain.Bead, isSkipped func(id string) bool) (domain.Bead, bool) {
	var tasks, features []domain.Bead
	for _, b := range candidates {
		if isSkipped(b.ID) {
			continue
		}
		switch b.Type {
		case domain.IssueTask:
			tasks = append(tasks, b)
		case domain.IssueFeature:
			features = append(features, b)
		}
	}
	byPriorityThenID := func(s []domain.Bead) {
		sort.SliceStable(s, func(i, j int) bool {
			if s[i].Priority != s[j].Priority {
				return s[i].Priority < s[j].Priority
			}
			return s[i].ID < s[j].ID
		})
	}
	byPriorityThenID(tasks)
	byPriorityThenID(features)

	if len(tasks) > 0 {
		return tasks[0], true
	}
	if len(features) > 0 {
		return features[0], true
	}
	return domain.Bead{}, false
}

// AllSkipped reports whether every candidate is on the skip list.
func AllSkipped(candidates []domain.Bead, isSkipped func(id string) bool) bool {
	if len(candidates) == 0 {
		return false
	}
	for _, b := range candidates {
		if !isSkipped(b.ID) {
			return false
		}
	}
	return true
}
