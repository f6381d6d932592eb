package transcript

import (
	"strings"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// Key identifies one accumulation buffer.
type Key struct {
	SessionID string
	Tool      tmux.ToolVariant
}

type accState struct {
	lines       []string
	initialized bool
}

// Accumulator stitches successive frames of a full-screen TUI into one
// append-only line sequence. A frame only shows what fits on screen, so the
// buffer grows by the part of each frame that does not overlap what is
// already stored. Growth is unbounded; callers Clear after reading.
type Accumulator struct {
	registry *tmux.Registry

	mu     sync.Mutex
	states map[Key]*accState
}

// NewAccumulator returns an empty accumulator that filters frames with the
// profiles in registry. A nil registry means the default one.
func NewAccumulator(registry *tmux.Registry) *Accumulator {
	if registry == nil {
		registry = tmux.DefaultRegistry()
	}
	return &Accumulator{registry: registry, states: make(map[Key]*accState)}
}

// Init creates an empty buffer for key, discarding any previous content.
func (a *Accumulator) Init(key Key) {
	a.mu.Lock()
	a.states[key] = &accState{initialized: true}
	a.mu.Unlock()
}

// Initialized reports whether key has a buffer.
func (a *Accumulator) Initialized(key Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	return ok && st.initialized
}

// Accumulate normalizes a raw frame, drops skip and blank lines, and appends
// the lines that extend the stored sequence. Identical frames and frames
// already contained in the stored tail add nothing.
func (a *Accumulator) Accumulate(key Key, rawFrame string) {
	lines := a.frameLines(key.Tool, rawFrame)

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		st = &accState{initialized: true}
		a.states[key] = st
	}
	st.lines = Stitch(st.lines, lines)
}

// Get returns the accumulated text joined by newlines.
func (a *Accumulator) Get(key Key) string {
	return strings.Join(a.Lines(key), "\n")
}

// Lines returns a copy of the accumulated lines.
func (a *Accumulator) Lines(key Key) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[key]
	if !ok {
		return nil
	}
	return append([]string(nil), st.lines...)
}

// Clear drops the buffer for key.
func (a *Accumulator) Clear(key Key) {
	a.mu.Lock()
	delete(a.states, key)
	a.mu.Unlock()
}

func (a *Accumulator) frameLines(tool tmux.ToolVariant, rawFrame string) []string {
	p := a.registry.ProfileFor(tool)
	var out []string
	for _, line := range tmux.Lines(tmux.Normalize(rawFrame)) {
		if strings.TrimSpace(line) == "" || p.IsSkip(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Stitch appends to stored the part of next that follows the longest
// suffix of stored which is also a prefix of next. An empty stored is
// seeded with next. Overlap lengths are tried from longest to shortest, and
// a next fully contained in the stored tail adds nothing.
func Stitch(stored, next []string) []string {
	if len(next) == 0 {
		return stored
	}
	if len(stored) == 0 {
		return append([]string(nil), next...)
	}
	if containsTail(stored, next) {
		return stored
	}
	for k := min(len(stored), len(next)); k > 0; k-- {
		if equalLines(stored[len(stored)-k:], next[:k]) {
			return append(stored, next[k:]...)
		}
	}
	return append(stored, next...)
}

// containsTail reports whether next appears as a contiguous run within the
// last 2*len(next) lines of stored.
func containsTail(stored, next []string) bool {
	from := max(0, len(stored)-2*len(next))
	for i := from; i+len(next) <= len(stored); i++ {
		if equalLines(stored[i:i+len(next)], next) {
			return true
		}
	}
	return false
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
