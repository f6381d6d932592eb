package tmux

// ClassifyWindow is how many trailing lines of a frame are inspected when
// classifying. Prompts and spinners always live near the bottom.
const ClassifyWindow = 20

// State is the coarse pane state derived from a Classification.
type State string

const (
	StateThinking State = "thinking"
	StateIdle     State = "idle"
	StateChoice   State = "choice"
	StateUnknown  State = "unknown"
)

// Classification summarizes what the bottom of a frame shows.
type Classification struct {
	HasPrompt     bool
	HasSeparator  bool
	IsThinking    bool
	IsComplete    bool
	ChoicePending bool
}

// State maps the flags onto a single state. Thinking wins over everything.
func (c Classification) State() State {
	switch {
	case c.IsThinking:
		return StateThinking
	case c.ChoicePending:
		return StateChoice
	case c.IsComplete:
		return StateIdle
	default:
		return StateUnknown
	}
}

// Done reports whether the tool has stopped and is waiting on the user,
// either at its prompt or at a choice menu.
func (c Classification) Done() bool {
	return c.IsComplete || c.ChoicePending
}

// Classify inspects the last ClassifyWindow lines of a normalized frame.
// A response is complete only when a prompt and a separator are visible and
// nothing indicates the tool is still working.
func Classify(normalized string, p *PatternProfile) Classification {
	lines := Lines(normalized)
	if len(lines) > ClassifyWindow {
		lines = lines[len(lines)-ClassifyWindow:]
	}
	return ClassifyLines(lines, p)
}

// ClassifyLines is Classify over already split lines. The caller is
// responsible for windowing.
func ClassifyLines(lines []string, p *PatternProfile) Classification {
	var c Classification
	var indicator, normal bool
	for _, line := range lines {
		if !c.HasPrompt && p.Prompt.MatchString(line) {
			c.HasPrompt = true
		}
		if !c.HasSeparator && p.Separator.MatchString(line) {
			c.HasSeparator = true
		}
		if !c.IsThinking && p.Thinking.MatchString(line) {
			c.IsThinking = true
		}
		if p.ChoiceIndicator.MatchString(line) {
			indicator = true
		} else if p.ChoiceNormal.MatchString(line) {
			normal = true
		}
	}
	c.IsComplete = c.HasPrompt && c.HasSeparator && !c.IsThinking
	c.ChoicePending = indicator && normal && !c.IsThinking
	return c
}
