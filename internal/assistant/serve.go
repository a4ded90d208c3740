package assistant

import (
	"regexp"
	"strconv"
	"strings"

	"linecook/internal/domain"
)

var (
	fieldRe = func(name string) *regexp.Regexp {
		return regexp.MustCompile(`(?i)` + name + `\s*:\s*(\S+)`)
	}
	verdictRe        = fieldRe("verdict")
	continueRe       = fieldRe("continue")
	blockingIssuesRe = fieldRe("blocking_issues")
	nextStepRe       = regexp.MustCompile(`(?i)next_step\s*:\s*(.+)`)
)

// ParseServeResult recognizes the serve phase's SERVE_RESULT block, in
// either its compact tabular form (`SERVE_RESULT verdict:APPROVED
// continue:true blocking_issues:0`) or loose field-by-field lines. Field
// names are matched case-insensitively; the verdict is upper-cased.
// `continue` defaults to true and `blocking_issues` defaults to 0 when
// absent, per spec.md §4.4.
func ParseServeResult(text string) (domain.ServeVerdict, bool) {
	if !strings.Contains(text, "SERVE_RESULT") && verdictRe.FindStringSubmatch(text) == nil {
		return domain.ServeVerdict{}, false
	}

	v := domain.ServeVerdict{Continue: true, BlockingIssues: 0}

	m := verdictRe.FindStringSubmatch(text)
	if m == nil {
		return domain.ServeVerdict{}, false
	}
	v.Verdict = domain.Verdict(strings.ToUpper(m[1]))

	if m := continueRe.FindStringSubmatch(text); m != nil {
		v.Continue = strings.EqualFold(m[1], "true")
	}
	if m := blockingIssuesRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			v.BlockingIssues = n
		}
	}
	if m := nextStepRe.FindStringSubmatch(text); m != nil {
		v.NextStep = strings.TrimSpace(m[1])
	}
	return v, true
}

// severityAliases normalizes the four severities and their aliases from
// _examples/original_source's parsing module (spec.md §4.4).
var severityAliases = map[string]domain.Severity{
	"p1": domain.SeverityCritical, "critical": domain.SeverityCritical,
	"p2": domain.SeverityMajor, "major": domain.SeverityMajor,
	"p3": domain.SeverityMinor, "minor": domain.SeverityMinor,
	"p4": domain.SeverityNit, "nit": domain.SeverityNit, "retro": domain.SeverityNit,
}

func normalizeSeverity(raw string) domain.Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return domain.SeverityMinor
}

var (
	issueToFileRe = regexp.MustCompile(`(?m)^-\s*\[([^\]]+)\]\s*"([^"]+)"\s*-\s*(.+)$`)
	issueBlockRe  = regexp.MustCompile(`(?is)Severity:\s*(\S+)\s*.*?Issue:\s*(.+?)(?:\n\s*Suggestion:\s*(.+?))?(?:\n\n|\z)`)
	fileLineRe    = regexp.MustCompile(`(?i)File/line:\s*(.+)`)
	summaryRe     = regexp.MustCompile(`(?is)Summary:\s*(.+?)(?:\n\n|\z)`)
)

// ParseServeFeedback extracts a normalized ServeFeedback from the serve
// phase's review text: a summary section, a compact "Issues to file" list
// (`- [severity] "title" - description`), and a long-form "Issues found"
// block (Severity:/File/line:/Issue:/Suggestion:).
func ParseServeFeedback(text string, attempt int) (domain.ServeFeedback, bool) {
	verdict, hasVerdict := ParseServeResult(text)
	fb := domain.ServeFeedback{Attempt: attempt}
	if hasVerdict {
		fb.Verdict = verdict.Verdict
	}

	if m := summaryRe.FindStringSubmatch(text); m != nil {
		fb.Summary = strings.TrimSpace(m[1])
	}

	for _, m := range issueToFileRe.FindAllStringSubmatch(text, -1) {
		fb.Findings = append(fb.Findings, domain.Finding{
			Severity:   normalizeSeverity(m[1]),
			Problem:    strings.TrimSpace(m[2]),
			Suggestion: strings.TrimSpace(m[3]),
		})
	}

	// The long-form "Issues found" block is only consulted when the compact
	// "Issues to file" list above produced nothing; the two are mutually
	// exclusive report formats, not additive (_examples/original_source's
	// parsing.py: `if issues_found_match and not issues`).
	if len(fb.Findings) == 0 {
		for _, m := range issueBlockRe.FindAllStringSubmatch(text, -1) {
			f := domain.Finding{
				Severity: normalizeSeverity(m[1]),
				Problem:  strings.TrimSpace(m[2]),
			}
			if len(m) > 3 {
				f.Suggestion = strings.TrimSpace(m[3])
			}
			if fl := fileLineRe.FindStringSubmatch(m[0]); fl != nil {
				f.Location = strings.TrimSpace(fl[1])
			}
			fb.Findings = append(fb.Findings, f)
		}
	}

	if fb.Summary == "" && len(fb.Findings) == 0 && !hasVerdict {
		return domain.ServeFeedback{}, false
	}
	return fb, true
}

var (
	intentRe       = regexp.MustCompile(`(?is)INTENT:\s*(.+?)(?:\n\n|\z)`)
	beforeAfterRe  = regexp.MustCompile(`(?i)BEFORE\s*→\s*AFTER:\s*(.+?)\s*→\s*(.+)`)
)

// ParseIntent extracts the optional INTENT: and BEFORE → AFTER: blocks the
// assistant emits for transparent reporting.
func ParseIntent(text string) (intent, before, after string) {
	if m := intentRe.FindStringSubmatch(text); m != nil {
		intent = strings.TrimSpace(m[1])
	}
	if m := beforeAfterRe.FindStringSubmatch(text); m != nil {
		before = strings.TrimSpace(m[1])
		after = strings.TrimSpace(m[2])
	}
	return intent, before, after
}
