// Package transcript turns successive pane captures into clean response
// text: it decides where unread output starts, strips terminal chrome, and
// stitches full-screen redraws into one running buffer.
package transcript

import "github.com/asheshgoplani/agent-relay/internal/tmux"

const (
	// ResetLookback is how far back to search for the last user input after
	// the scrollback was truncated or the session restarted.
	ResetLookback = 40
	// BoundaryMargin is how close the cursor may be to the end of the
	// capture before unread output is assumed to have scrolled past it.
	BoundaryMargin = 5
	// BoundaryLookback is the user-input search window near the boundary.
	BoundaryLookback = 50
	// BoundaryTail is how many trailing lines are taken when the boundary
	// search finds no user input.
	BoundaryTail = 40
)

// FindUserPromptFunc returns the absolute index of the most recent
// user-input line within the last window lines, or -1.
type FindUserPromptFunc func(window int) int

// IsBufferReset reports whether the cursor points past the end of the
// current capture. History truncation and a restarted session look the same
// here; both get the same best-effort lookback.
func IsBufferReset(lastCapturedLine, totalLines int) bool {
	return lastCapturedLine >= totalLines
}

// ResolveStart returns the index of the first unread line. Branches, in
// precedence order: buffer reset, monotonic-cursor tool, cursor near the
// end of the capture, normal. The result is always within [0, totalLines].
//
// The policy prefers re-reading a few lines (duplicates are filtered later)
// over skipping output that scrolled past between polls.
func ResolveStart(lastCapturedLine, totalLines int, bufferWasReset bool, p *tmux.PatternProfile, find FindUserPromptFunc) int {
	last := max(0, lastCapturedLine)
	total := max(0, totalLines)
	if total == 0 {
		return 0
	}

	var start int
	switch {
	case bufferWasReset:
		start = afterPrompt(find, ResetLookback, 0)
	case p != nil && p.MonotonicCursor:
		start = last
	case total-last <= BoundaryMargin:
		start = afterPrompt(find, BoundaryLookback, total-BoundaryTail)
	default:
		start = last
	}
	return min(max(0, start), total)
}

// afterPrompt returns the line after the most recent user input inside
// window, or fallback when there is none.
func afterPrompt(find FindUserPromptFunc, window, fallback int) int {
	if find != nil {
		if idx := find(window); idx >= 0 {
			return idx + 1
		}
	}
	return fallback
}

// UserPromptFinder builds a FindUserPromptFunc over a normalized line slice.
func UserPromptFinder(lines []string, p *tmux.PatternProfile) FindUserPromptFunc {
	return func(window int) int {
		from := max(0, len(lines)-window)
		for i := len(lines) - 1; i >= from; i-- {
			if p.IsUserInput(lines[i]) {
				return i
			}
		}
		return -1
	}
}
