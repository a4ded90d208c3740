package domain

// Snapshot is a point-in-time view of Beads, partitioned by status. It is
// immutable once constructed: the Iteration Engine takes one before a task
// starts and one after its phases finish.
type Snapshot struct {
	Ready      []Bead
	InProgress []Bead
	Closed     []Bead // bounded to the most recent N (default 10)

	byID map[string]Bead
}

// MaxClosedInSnapshot is the default bound on Snapshot.Closed.
const MaxClosedInSnapshot = 10

// NewSnapshot builds a Snapshot from the three status-partitioned lists and
// indexes them for ByID lookup. The caller is responsible for disjointness
// (spec.md §8 property 1); NewSnapshot does not silently dedupe.
func NewSnapshot(ready, inProgress, closed []Bead) Snapshot {
	idx := make(map[string]Bead, len(ready)+len(inProgress)+len(closed))
	for _, b := range ready {
		idx[b.ID] = b
	}
	for _, b := range inProgress {
		idx[b.ID] = b
	}
	for _, b := range closed {
		idx[b.ID] = b
	}
	return Snapshot{Ready: ready, InProgress: inProgress, Closed: closed, byID: idx}
}

// ByID looks up a Bead by id within the snapshot, across all three lists.
func (s Snapshot) ByID(id string) (Bead, bool) {
	b, ok := s.byID[id]
	return b, ok
}

// ReadyWork returns the ready list minus epics — the set the Loop Controller
// selects from.
func (s Snapshot) ReadyWork() []Bead {
	out := make([]Bead, 0, len(s.Ready))
	for _, b := range s.Ready {
		if b.Type != IssueEpic {
			out = append(out, b)
		}
	}
	return out
}

// Contains reports whether id appears anywhere in the snapshot.
func (s Snapshot) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

func idSet(beads []Bead) map[string]struct{} {
	m := make(map[string]struct{}, len(beads))
	for _, b := range beads {
		m[b.ID] = struct{}{}
	}
	return m
}

// Delta is the diff between two Snapshots, used for transparent reporting
// and for completion detection.
type Delta struct {
	NewlyClosed []string // in after.Closed, not in before.Closed
	NewlyFiled  []string // in after.Ready, not in any of before's three lists
}

// DiffSnapshots computes the Delta between a before and after Snapshot.
func DiffSnapshots(before, after Snapshot) Delta {
	beforeClosed := idSet(before.Closed)
	var d Delta
	for _, b := range after.Closed {
		if _, ok := beforeClosed[b.ID]; !ok {
			d.NewlyClosed = append(d.NewlyClosed, b.ID)
		}
	}
	for _, b := range after.Ready {
		if before.Contains(b.ID) {
			continue
		}
		d.NewlyFiled = append(d.NewlyFiled, b.ID)
	}
	return d
}
