// Package gitgw is the Git Gateway: branch creation/switch, merge with
// conflict recovery, push, and WIP auto-commit. Every operation is a short,
// bounded subprocess call (spec.md §4.2); failures are logged and mapped to
// a zero value rather than propagated, except where the caller needs to
// distinguish a merge conflict from success, and in EnsureEpicBranch, which
// returns an error when it cannot put the epic branch in place.
package gitgw

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"linecook/internal/domain"
)

const defaultTimeout = 30 * time.Second

// BugFiler is the subset of the Tracker Gateway the Git Gateway needs: it
// files a follow-up bug bead when a merge conflict cannot be resolved.
type BugFiler interface {
	CreateBug(ctx context.Context, title, description string, priority int) (string, error)
}

// Gateway is the Git Gateway, rooted at WorkDir.
type Gateway struct {
	WorkDir string
	Logger  *log.Logger
	Bugs    BugFiler // may be nil; conflict handling then only logs
	Timeout time.Duration
}

// NewGateway builds a Gateway at workDir.
func NewGateway(workDir string, bugs BugFiler, logger *log.Logger) *Gateway {
	return &Gateway{WorkDir: workDir, Bugs: bugs, Logger: logger, Timeout: defaultTimeout}
}

func (g *Gateway) logf(format string, args ...interface{}) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
	}
}

func (g *Gateway) git(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = g.WorkDir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// CurrentBranch returns the checked-out branch name, or false if it could
// not be determined.
func (g *Gateway) CurrentBranch(ctx context.Context) (string, bool) {
	out, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		g.logf("git: current branch: %v", err)
		return "", false
	}
	return out, true
}

// HasUncommittedChanges reports whether the working tree has pending
// changes.
func (g *Gateway) HasUncommittedChanges(ctx context.Context) bool {
	out, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		g.logf("git: status: %v", err)
		return false
	}
	return out != ""
}

// LatestCommit returns the current short commit hash.
func (g *Gateway) LatestCommit(ctx context.Context) (string, bool) {
	out, err := g.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		g.logf("git: latest commit: %v", err)
		return "", false
	}
	return out, true
}

// EpicBranchName derives the expected branch name for an epic id.
func EpicBranchName(epicID string) string {
	return "epic/" + epicID
}

func (g *Gateway) branchExistsLocally(ctx context.Context, branch string) bool {
	_, err := g.git(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (g *Gateway) branchExistsRemotely(ctx context.Context, branch string) bool {
	_, err := g.git(ctx, "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

// EnsureEpicBranch implements spec.md §4.2 ensure_epic_branch: derives
// epic/<epicID>, auto-commits WIP on the current epic branch before
// switching if needed, and checks out local/remote/new as appropriate.
// Returns (branch, false, nil) when the branch is already checked out or an
// existing local or remote branch was checked out, (branch, true, nil) when
// the branch was newly created, and ("", false, err) on failure.
func (g *Gateway) EnsureEpicBranch(ctx context.Context, epicID string) (string, bool, error) {
	if !domain.ValidID(epicID) {
		return "", false, fmt.Errorf("gitgw: invalid epic id %q", epicID)
	}
	target := EpicBranchName(epicID)

	current, ok := g.CurrentBranch(ctx)
	if ok && current == target {
		return target, false, nil
	}

	if ok && g.HasUncommittedChanges(ctx) && strings.HasPrefix(current, "epic/") {
		if err := g.wipCommitAndPush(ctx, current); err != nil {
			return "", false, fmt.Errorf("gitgw: WIP commit on %s failed, aborting branch switch: %w", current, err)
		}
	}

	switch {
	case g.branchExistsLocally(ctx, target):
		if _, err := g.git(ctx, "checkout", target); err != nil {
			return "", false, fmt.Errorf("gitgw: checkout %s: %w", target, err)
		}
	case g.branchExistsRemotely(ctx, target):
		if _, err := g.git(ctx, "checkout", "-b", target, "origin/"+target); err != nil {
			return "", false, fmt.Errorf("gitgw: checkout remote %s: %w", target, err)
		}
	default:
		if _, err := g.git(ctx, "checkout", "-b", target, "main"); err != nil {
			return "", false, fmt.Errorf("gitgw: create %s from main: %w", target, err)
		}
		return target, true, nil
	}
	return target, false, nil
}

func (g *Gateway) wipCommitAndPush(ctx context.Context, branch string) error {
	if _, err := g.git(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := g.git(ctx, "commit", "-m", fmt.Sprintf("WIP: work in progress on %s", branch)); err != nil {
		return err
	}
	if _, err := g.git(ctx, "push", "origin", branch); err != nil {
		g.logf("git: push WIP commit on %s: %v (continuing)", branch, err)
	}
	return nil
}

// MergeErrorKind distinguishes a merge conflict from other merge failures.
type MergeErrorKind string

const (
	MergeOK             MergeErrorKind = ""
	MergeConflict       MergeErrorKind = "merge_conflict"
	MergeBranchMismatch MergeErrorKind = "branch_mismatch"
	MergeFailed         MergeErrorKind = "merge_failed"
)

// MergeEpicToMain implements spec.md §4.2 merge_epic_to_main. Only attempted
// when the current branch is epic/<epicID>. On conflict, aborts the merge,
// returns to the epic branch, files a follow-up bug bead, and reports
// MergeConflict. On success, deletes the epic branch (best effort,
// local+remote) and pushes main.
func (g *Gateway) MergeEpicToMain(ctx context.Context, epicID, title string) (bool, MergeErrorKind) {
	target := EpicBranchName(epicID)
	current, ok := g.CurrentBranch(ctx)
	if !ok || current != target {
		return false, MergeBranchMismatch
	}

	if _, err := g.git(ctx, "checkout", "main"); err != nil {
		g.logf("git: checkout main: %v", err)
		return false, MergeFailed
	}
	if _, err := g.git(ctx, "pull"); err != nil {
		g.logf("git: pull main (non-fatal): %v", err)
	}

	msg := fmt.Sprintf("Merge epic %s: %s", epicID, title)
	if _, err := g.git(ctx, "merge", "--no-ff", "-m", msg, target); err != nil {
		if g.hasMergeConflicts(ctx) {
			g.abortMergeAndFileBug(ctx, epicID, target)
			return false, MergeConflict
		}
		g.logf("git: merge %s into main: %v", target, err)
		return false, MergeFailed
	}

	if _, err := g.git(ctx, "branch", "-d", target); err != nil {
		g.logf("git: delete local branch %s (non-fatal): %v", target, err)
	}
	if _, err := g.git(ctx, "push", "origin", "--delete", target); err != nil {
		g.logf("git: delete remote branch %s (non-fatal): %v", target, err)
	}
	if _, err := g.git(ctx, "push", "origin", "main"); err != nil {
		g.logf("git: push main: %v", err)
	}
	return true, MergeOK
}

// conflictMarkers are the porcelain status codes for an unmerged path.
var conflictMarkers = []string{"UU ", "AA ", "DD ", "AU ", "UA ", "DU ", "UD "}

func (g *Gateway) hasMergeConflicts(ctx context.Context) bool {
	out, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		for _, marker := range conflictMarkers {
			if strings.HasPrefix(line, marker) {
				return true
			}
		}
	}
	return false
}

func (g *Gateway) abortMergeAndFileBug(ctx context.Context, epicID, branch string) {
	if _, err := g.git(ctx, "merge", "--abort"); err != nil {
		g.logf("git: merge --abort: %v", err)
	}
	if _, err := g.git(ctx, "checkout", branch); err != nil {
		g.logf("git: restore branch %s after aborted merge: %v", branch, err)
	}
	if g.Bugs == nil {
		return
	}
	title := fmt.Sprintf("Merge conflict closing epic %s", epicID)
	desc := fmt.Sprintf("Automatic merge of %s into main produced conflicts and was aborted. Manual resolution required.", branch)
	if _, err := g.Bugs.CreateBug(ctx, title, desc, 1); err != nil {
		g.logf("git: file follow-up bug for merge conflict: %v", err)
	}
}
