// Package tracker is a thin wrapper over the tracker subprocess: snapshot,
// single-item fetch, children walk, close-eligibility, and sync. The read
// operations return a typed record and never propagate a subprocess error
// upstream — timeouts and decode failures are logged and mapped to an
// empty/zero result (spec.md §4.1, §7). The write operations CreateBug,
// AddComment and CloseEligibleEpicsApply return their errors.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"time"

	"linecook/internal/domain"
)

// Runner executes a tracker subcommand in dir and returns its stdout.
// Replaced in tests for deterministic, process-free output — mirrors
// internal/bd.Runner and internal/ralph's RunBDFunc/runBDShow test hooks.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// RunCommand is the real Runner, invoking the configured binary.
func RunCommand(bin string) Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, bin, args...)
		cmd.Dir = dir
		return cmd.Output()
	}
}

const (
	DefaultReadTimeout = 30 * time.Second
	DefaultSyncTimeout = 60 * time.Second
)

// Gateway is the Tracker Gateway. Zero value is not usable; construct with
// NewGateway.
type Gateway struct {
	WorkDir     string
	Run         Runner
	Logger      *log.Logger
	ReadTimeout time.Duration
	SyncTimeout time.Duration
}

// NewGateway builds a Gateway against the real tracker binary (bin, e.g.
// "bd"), rooted at workDir.
func NewGateway(workDir, bin string, logger *log.Logger) *Gateway {
	return &Gateway{
		WorkDir:     workDir,
		Run:         RunCommand(bin),
		Logger:      logger,
		ReadTimeout: DefaultReadTimeout,
		SyncTimeout: DefaultSyncTimeout,
	}
}

func (g *Gateway) logf(format string, args ...interface{}) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
	}
}

func (g *Gateway) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.Run(cctx, g.WorkDir, args...)
}

// entry mirrors the JSON shape emitted by the tracker's list/show commands.
type entry struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	IssueType    string         `json:"issue_type"`
	Dependencies []dependency   `json:"dependencies"`
}

type dependency struct {
	IssueID     string `json:"issue_id"`
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

const depTypeParentChild = "parent-child"

func parentOf(e entry) string {
	for _, d := range e.Dependencies {
		if d.Type == depTypeParentChild {
			return d.DependsOnID
		}
	}
	return ""
}

func toBead(e entry) domain.Bead {
	return domain.Bead{
		ID:          e.ID,
		Title:       e.Title,
		Type:        domain.IssueType(e.IssueType),
		Status:      domain.Status(e.Status),
		Parent:      parentOf(e),
		Priority:    e.Priority,
		Description: e.Description,
	}
}

func parseEntries(data []byte) ([]entry, error) {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Snapshot runs the tracker's ready, in-progress, and bounded closed
// listings and assembles a domain.Snapshot. On timeout or decode error for
// any one list, that list is empty and a warning is logged; the call never
// raises through to the caller.
func (g *Gateway) Snapshot(ctx context.Context) domain.Snapshot {
	ready := g.list(ctx, "ready")
	inProgress := g.list(ctx, "in_progress")
	closed := g.listClosed(ctx, domain.MaxClosedInSnapshot)
	return domain.NewSnapshot(ready, inProgress, closed)
}

func (g *Gateway) list(ctx context.Context, status string) []domain.Bead {
	out, err := g.run(ctx, g.ReadTimeout, "list", "--status", status, "--json", "--limit", "0")
	if err != nil {
		g.logf("tracker: list --status %s: %v", status, err)
		return nil
	}
	entries, err := parseEntries(out)
	if err != nil {
		g.logf("tracker: decode list --status %s: %v", status, err)
		return nil
	}
	beads := make([]domain.Bead, 0, len(entries))
	for _, e := range entries {
		beads = append(beads, toBead(e))
	}
	return beads
}

func (g *Gateway) listClosed(ctx context.Context, limit int) []domain.Bead {
	out, err := g.run(ctx, g.ReadTimeout, "list", "--status", "closed", "--json", "--limit", strconv.Itoa(limit))
	if err != nil {
		g.logf("tracker: list --status closed: %v", err)
		return nil
	}
	entries, err := parseEntries(out)
	if err != nil {
		g.logf("tracker: decode list --status closed: %v", err)
		return nil
	}
	beads := make([]domain.Bead, 0, len(entries))
	for _, e := range entries {
		beads = append(beads, toBead(e))
	}
	return beads
}

// Show fetches a single Bead by id. Returns false if the id is invalid, the
// subprocess fails, or the id does not resolve.
func (g *Gateway) Show(ctx context.Context, id string) (domain.Bead, bool) {
	if !domain.ValidID(id) {
		g.logf("tracker: rejected invalid id %q", id)
		return domain.Bead{}, false
	}
	out, err := g.run(ctx, g.ReadTimeout, "show", id, "--json")
	if err != nil {
		g.logf("tracker: show %s: %v", id, err)
		return domain.Bead{}, false
	}
	// show may return a single object or a one-element array.
	var single entry
	if err := json.Unmarshal(out, &single); err == nil && single.ID != "" {
		return toBead(single), true
	}
	entries, err := parseEntries(out)
	if err != nil || len(entries) == 0 {
		g.logf("tracker: decode show %s: %v", id, err)
		return domain.Bead{}, false
	}
	return toBead(entries[0]), true
}

// Children returns the direct children of parentID.
func (g *Gateway) Children(ctx context.Context, parentID string) []domain.Bead {
	if !domain.ValidID(parentID) {
		return nil
	}
	out, err := g.run(ctx, g.ReadTimeout, "list", "--parent", parentID, "--json", "--limit", "0")
	if err != nil {
		g.logf("tracker: children of %s: %v", parentID, err)
		return nil
	}
	entries, err := parseEntries(out)
	if err != nil {
		g.logf("tracker: decode children of %s: %v", parentID, err)
		return nil
	}
	beads := make([]domain.Bead, 0, len(entries))
	for _, e := range entries {
		beads = append(beads, toBead(e))
	}
	return beads
}

// Sync performs a best-effort state refresh. A timeout is a warning, not a
// failure.
func (g *Gateway) Sync(ctx context.Context) {
	if _, err := g.run(ctx, g.SyncTimeout, "sync"); err != nil {
		g.logf("tracker: sync: %v", err)
	}
}

// CloseEligibleEpics asks the tracker which epics are eligible to close,
// without committing the closure.
func (g *Gateway) CloseEligibleEpics(ctx context.Context) []string {
	out, err := g.run(ctx, g.ReadTimeout, "epic", "close-eligible", "--json")
	if err != nil {
		g.logf("tracker: epic close-eligible: %v", err)
		return nil
	}
	var ids []string
	if err := json.Unmarshal(out, &ids); err != nil {
		g.logf("tracker: decode epic close-eligible: %v", err)
		return nil
	}
	return ids
}

// CloseEligibleEpicsApply commits the closure of an epic previously
// reported eligible by CloseEligibleEpics.
func (g *Gateway) CloseEligibleEpicsApply(ctx context.Context, epicID string) error {
	if !domain.ValidID(epicID) {
		return fmt.Errorf("tracker: invalid epic id %q", epicID)
	}
	_, err := g.run(ctx, g.ReadTimeout, "epic", "close-eligible", "--apply", epicID)
	if err != nil {
		g.logf("tracker: epic close-eligible --apply %s: %v", epicID, err)
	}
	return err
}

// CreateBug files a follow-up bead, used when the loop detects a problem it
// cannot resolve itself (e.g. a merge conflict after an epic closes).
func (g *Gateway) CreateBug(ctx context.Context, title, description string, priority int) (string, error) {
	out, err := g.run(ctx, g.ReadTimeout, "create",
		"--type", string(domain.IssueBug),
		"--title", title,
		"--description", description,
		"--priority", strconv.Itoa(priority),
		"--json",
	)
	if err != nil {
		return "", fmt.Errorf("tracker: create bug: %w", err)
	}
	var created entry
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("tracker: decode create bug: %w", err)
	}
	return created.ID, nil
}

// AddComment appends text to id's comment log. The Iteration Engine calls
// this after a NEEDS_CHANGES verdict so the next cook attempt can read the
// review feedback from the tracker rather than the loop re-feeding it
// in-band (spec.md §4.5 "Cook retries").
func (g *Gateway) AddComment(ctx context.Context, id, text string) error {
	if !domain.ValidID(id) {
		return fmt.Errorf("tracker: invalid id %q", id)
	}
	_, err := g.run(ctx, g.ReadTimeout, "comment", id, "--body", text)
	if err != nil {
		g.logf("tracker: comment %s: %v", id, err)
	}
	return err
}

// CommentsFor fetches the comment log for id — the channel the serve phase
// uses to hand cook rework feedback to the assistant between retries
// (spec.md §4.5: the loop never re-feeds this in-band).
func (g *Gateway) CommentsFor(ctx context.Context, id string) string {
	if !domain.ValidID(id) {
		return ""
	}
	out, err := g.run(ctx, g.ReadTimeout, "comments", id)
	if err != nil {
		g.logf("tracker: comments %s: %v", id, err)
		return ""
	}
	return string(out)
}
