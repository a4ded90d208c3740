package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linecook/internal/domain"
)

func mockRunner(byArgs map[string][]entry) Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		key := fmt.Sprintf("%v", args)
		entries, ok := byArgs[key]
		if !ok {
			return nil, fmt.Errorf("no mock response for %v", args)
		}
		return json.Marshal(entries)
	}
}

func TestSnapshotPartitionsByStatus(t *testing.T) {
	readyKey := fmt.Sprintf("%v", []string{"list", "--status", "ready", "--json", "--limit", "0"})
	inProgKey := fmt.Sprintf("%v", []string{"list", "--status", "in_progress", "--json", "--limit", "0"})
	closedKey := fmt.Sprintf("%v", []string{"list", "--status", "closed", "--json", "--limit", "10"})

	g := &Gateway{
		WorkDir: "/fake",
		Run: mockRunner(map[string][]entry{
			readyKey:   {{ID: "t1", Status: "ready", IssueType: "task"}},
			inProgKey:  {{ID: "t2", Status: "in_progress", IssueType: "task"}},
			closedKey:  {{ID: "t3", Status: "closed", IssueType: "task"}},
		}),
		ReadTimeout: DefaultReadTimeout,
	}

	snap := g.Snapshot(context.Background())
	require.Len(t, snap.Ready, 1)
	require.Len(t, snap.InProgress, 1)
	require.Len(t, snap.Closed, 1)
	assert.Equal(t, "t1", snap.Ready[0].ID)
}

func TestShowRejectsInvalidID(t *testing.T) {
	g := &Gateway{Run: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		t.Fatal("subprocess should never be invoked for an invalid id")
		return nil, nil
	}, ReadTimeout: DefaultReadTimeout}

	_, ok := g.Show(context.Background(), "not a valid id; rm -rf")
	assert.False(t, ok)
}

func TestBuildAncestorMapWalksMultiLevelChain(t *testing.T) {
	ready := []domain.Bead{
		{ID: "task-1", Type: domain.IssueTask, Parent: "feat-1"},
	}
	showCalls := 0
	g := &Gateway{
		Run: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			showCalls++
			switch args[1] {
			case "feat-1":
				return json.Marshal(entry{ID: "feat-1", IssueType: "feature", Dependencies: []dependency{
					{IssueID: "feat-1", DependsOnID: "epic-1", Type: depTypeParentChild},
				}})
			case "epic-1":
				return json.Marshal(entry{ID: "epic-1", IssueType: "epic"})
			}
			return nil, fmt.Errorf("unexpected show %v", args)
		},
		ReadTimeout: DefaultReadTimeout,
	}

	anc := BuildAncestorMap(context.Background(), g, ready)
	assert.Equal(t, "epic-1", anc["task-1"])
	assert.Equal(t, 2, showCalls, "each ancestor should be fetched at most once")

	// The memo lives only inside one BuildAncestorMap call: building again
	// with the same ready slice and runner walks the chain afresh and gives
	// the same result.
	anc2 := BuildAncestorMap(context.Background(), g, ready)
	assert.Equal(t, "epic-1", anc2["task-1"])
}

func TestSelectNextPrefersTaskOverFeatureAndSkipsSkipped(t *testing.T) {
	candidates := []domain.Bead{
		{ID: "feat-1", Type: domain.IssueFeature, Priority: 1},
		{ID: "task-2", Type: domain.IssueTask, Priority: 2},
		{ID: "task-1", Type: domain.IssueTask, Priority: 1},
	}
	skipped := map[string]bool{"task-1": true}
	next, ok := SelectNext(candidates, func(id string) bool { return skipped[id] })
	require.True(t, ok)
	assert.Equal(t, "task-2", next.ID)
}

func TestAllSkipped(t *testing.T) {
	candidates := []domain.Bead{{ID: "a"}, {ID: "b"}}
	assert.True(t, AllSkipped(candidates, func(string) bool { return true }))
	assert.False(t, AllSkipped(candidates, func(id string) bool { return id == "a" }))
	assert.False(t, AllSkipped(nil, func(string) bool { return true }))
}
