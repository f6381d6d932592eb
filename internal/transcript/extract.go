package transcript

import (
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// Mode selects where a window is cut relative to the last user input.
type Mode int

const (
	// AfterLastPrompt keeps what follows the last filled input line. Used
	// while polling: the operator's echoed message is never part of a reply.
	AfterLastPrompt Mode = iota
	// BeforeLastPrompt keeps what precedes the last filled input line. Used
	// by the pre-send flush to capture the reply to the previous turn.
	BeforeLastPrompt
)

func (m Mode) String() string {
	if m == BeforeLastPrompt {
		return "before_last_prompt"
	}
	return "after_last_prompt"
}

// Extract cleans a window of normalized lines into response text. Skip
// lines are dropped, runs of blank lines collapse to one, and the result is
// trimmed. An empty string means nothing new.
//
// In BeforeLastPrompt mode a window that holds nothing before its last
// input line starts with the echo of the previous question rather than a
// freshly typed one, so the reply is what follows it.
func Extract(lines []string, p *tmux.PatternProfile, mode Mode) string {
	idx := p.LastUserInput(lines)
	if idx < 0 {
		return cleanJoin(lines, p)
	}
	if mode == BeforeLastPrompt {
		if before := cleanJoin(lines[:idx], p); before != "" {
			return before
		}
	}
	return cleanJoin(lines[idx+1:], p)
}

func cleanJoin(lines []string, p *tmux.PatternProfile) string {
	return strings.TrimSpace(strings.Join(Clean(lines, p), "\n"))
}

// Clean drops skip lines and collapses blank runs. Leading and trailing
// blank lines are kept at most once; callers trim.
func Clean(lines []string, p *tmux.PatternProfile) []string {
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		if p.IsSkip(line) {
			continue
		}
		blank = false
		out = append(out, line)
	}
	return out
}
