package tmux

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompConfig)

// ToolVariant identifies which agent CLI runs inside a pane. The tag selects
// the pattern profile and the response-reconstruction strategy.
type ToolVariant string

const (
	ToolClaude   ToolVariant = "claude"
	ToolGemini   ToolVariant = "gemini"
	ToolCodex    ToolVariant = "codex"
	ToolOpenCode ToolVariant = "opencode"
)

// DefaultTool is used whenever a session carries an unrecognized tool tag.
const DefaultTool = ToolClaude

// AllTools lists the known variants in registry order.
var AllTools = []ToolVariant{ToolClaude, ToolGemini, ToolCodex, ToolOpenCode}

// ParseTool maps a user-supplied tag onto a known variant. The second return
// is false when the tag is unknown; the returned variant is then DefaultTool.
func ParseTool(s string) (ToolVariant, bool) {
	t := ToolVariant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTools {
		if t == known {
			return t, true
		}
	}
	return DefaultTool, false
}

// RawProfile holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else is
// matched literally anywhere in the line.
type RawProfile struct {
	Prompt          []string
	InputMarker     []string
	Separator       []string
	Thinking        []string
	ChoiceIndicator []string
	ChoiceNormal    []string
	Skip            []string

	// SpinnerChars and WhimsicalWords are combined into an extra thinking
	// pattern: spinner glyph, then one of the words.
	SpinnerChars   []string
	WhimsicalWords []string

	MonotonicCursor bool
	Accumulate      bool
}

// PatternProfile is the compiled, read-only pattern set for one tool.
// Every field except Skip is a single alternation so callers only test one
// expression per line.
type PatternProfile struct {
	Tool            ToolVariant
	Prompt          *regexp.Regexp
	InputMarker     *regexp.Regexp
	Separator       *regexp.Regexp
	Thinking        *regexp.Regexp
	ChoiceIndicator *regexp.Regexp
	ChoiceNormal    *regexp.Regexp
	Skip            []*regexp.Regexp

	// MonotonicCursor marks tools whose scrollback only grows, so the
	// extraction window never needs a reset lookback.
	MonotonicCursor bool
	// Accumulate marks full-screen redraw tools whose responses are stitched
	// together from successive frames.
	Accumulate bool
}

// never matches anything; used when every alternative of a field failed to compile.
var never = regexp.MustCompile(`[^\s\S]`)

// DefaultRawProfile returns the built-in patterns for a known tool.
// Returns nil for unknown tools.
func DefaultRawProfile(tool ToolVariant) *RawProfile {
	switch tool {
	case ToolClaude:
		return &RawProfile{
			Prompt:      []string{`re:^[>❯](?:\s.*)?$`},
			InputMarker: []string{`re:^[>❯]\s`},
			Separator:   []string{`re:^\s*[─━]{10,}\s*$`},
			Thinking: []string{
				`re:^[✳✽✶✻✢·⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\s*\S.*…`, // spinner + ellipsis, anchored so a mid-line · in the banner never matches
				"ctrl+c to interrupt",
				"esc to interrupt",
			},
			ChoiceIndicator: []string{`re:^\s*❯\s*\d+\.\s`},
			ChoiceNormal:    []string{`re:^\s+\d+\.\s+\S`},
			Skip: []string{
				`re:^\s*[─━═]+\s*$`,
				`re:^\s*[╭╰┌└][─━═\s]*[╮╯┐┘]?\s*$`,
				`re:^[>❯]\s*$`,
				`re:^[>❯]\s+Try "`,
				`re:^\s*[✳✽✶✻✢·⏺⎿⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\s*$`,
				`re:^[✳✽✶✻✢·]\s*\S.*…`,
				`re:^\s*\?\s+for shortcuts`,
				"bypass permissions on",
				"accept edits on",
				"plan mode on",
				"shift+tab to cycle",
				"ctrl+c to interrupt",
				"esc to interrupt",
				"Context left until auto-compact",
			},
			SpinnerChars:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", "✳", "✽", "✶", "✢"},
			WhimsicalWords: defaultWhimsicalWords(),
		}
	case ToolGemini:
		return &RawProfile{
			Prompt:      []string{"Type your message", `re:^>\s*$`, "gemini>"},
			InputMarker: []string{`re:^>\s`},
			Separator:   []string{`re:^\s*[╰└][─━]+[╯┘]\s*$`, `re:^\s*[─━]{10,}\s*$`},
			Thinking: []string{
				"esc to cancel",
				`re:^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]\s*\S`,
			},
			ChoiceIndicator: []string{`re:^\s*●\s*\d+\.\s`},
			ChoiceNormal:    []string{`re:^\s+\d+\.\s+\S`},
			Skip: []string{
				`re:^\s*[╭╰┌└][─━\s]*[╮╯┐┘]?\s*$`,
				`re:^\s*[─━═]+\s*$`,
				`re:^>\s*$`,
				"Type your message",
				"esc to cancel",
				"context left)",
				"no sandbox",
				`re:^\s*Using:?\s+\d+\s+\S+\.md`,
				"Tips for getting started",
			},
		}
	case ToolCodex:
		return &RawProfile{
			Prompt:      []string{`re:^›(?:\s.*)?$`, "How can I help", "codex>"},
			InputMarker: []string{`re:^[›▌]\s`},
			Separator: []string{
				"⏎ send",
				"ctrl+j newline",
				`re:\?\s+for shortcuts`,
				`re:\d+%\s+context left`,
			},
			Thinking: []string{
				"esc to interrupt",
				"ctrl+c to interrupt",
				`re:^\s*[•◦]?\s*Working\s*\(`,
			},
			ChoiceIndicator: []string{`re:^\s*›\s*\d+\.\s`},
			ChoiceNormal:    []string{`re:^\s+\d+\.\s+\S`},
			Skip: []string{
				`re:^›\s*$`,
				`re:^▌\s*$`,
				`re:^\s*[─━═]+\s*$`,
				`re:^\s*[╭╰┌└][─━\s]*[╮╯┐┘]?\s*$`,
				"⏎ send",
				"ctrl+j newline",
				`re:\?\s+for shortcuts`,
				"context left",
				"esc to interrupt",
				"Ask Codex to do anything",
			},
			MonotonicCursor: true,
		}
	case ToolOpenCode:
		return &RawProfile{
			Prompt:      []string{"Ask anything", "press enter to send", `re:^>\s*$`},
			InputMarker: []string{`re:^>\s`},
			Separator:   []string{"press enter to send", "enter send", "ctrl+p commands"},
			Thinking: []string{
				"esc interrupt",
				"Thinking...",
				"Generating...",
				"Building tool call...",
				"Waiting for tool response...",
			},
			ChoiceIndicator: []string{`re:^\s*[>❯]\s*\d+\.\s`},
			ChoiceNormal:    []string{`re:^\s+\d+\.\s+\S`},
			Skip: []string{
				`re:^\s*[█▓▒░▀▄\s]+$`,
				`re:^\s*[─━═]+\s*$`,
				`re:^\s*[╭╰┌└][─━\s]*[╮╯┐┘]?\s*$`,
				`re:^>\s*$`,
				"Ask anything",
				"press enter to send",
				"enter send",
				"ctrl+p commands",
				"esc interrupt",
			},
			Accumulate: true,
		}
	default:
		return nil
	}
}

// defaultWhimsicalWords returns the status words Claude prints next to its spinner.
func defaultWhimsicalWords() []string {
	return []string{
		"accomplishing", "actioning", "actualizing", "baking", "booping",
		"brewing", "calculating", "cerebrating", "channelling", "churning",
		"clauding", "coalescing", "cogitating", "combobulating", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "creating", "crunching", "deciphering", "deliberating",
		"determining", "discombobulating", "divining", "doing", "effecting",
		"elucidating", "enchanting", "envisioning", "finagling", "flibbertigibbeting",
		"forging", "forming", "frolicking", "generating", "germinating",
		"hatching", "herding", "honking", "hustling", "ideating",
		"imagining", "incubating", "inferring", "jiving", "manifesting",
		"marinating", "meandering", "moseying", "mulling", "mustering",
		"musing", "noodling", "percolating", "perusing", "philosophising",
		"pondering", "pontificating", "processing", "puttering", "puzzling",
		"reticulating", "ruminating", "scheming", "schlepping", "shimmying",
		"shucking", "simmering", "smooshing", "spelunking", "spinning",
		"stewing", "sussing", "synthesizing", "thinking", "tinkering",
		"transmuting", "unfurling", "unravelling", "vibing", "wandering",
		"whirring", "wibbling", "wizarding", "working", "wrangling",
		"billowing", "gusting", "metamorphosing", "sublimating", "recombobulating", "sautéing",
	}
}

// CompileProfile compiles a raw profile. Invalid regex patterns are logged
// and skipped, never fatal.
func CompileProfile(tool ToolVariant, raw *RawProfile) *PatternProfile {
	if raw == nil {
		raw = &RawProfile{}
	}
	thinking := append([]string(nil), raw.Thinking...)
	if len(raw.SpinnerChars) > 0 && len(raw.WhimsicalWords) > 0 {
		thinking = append(thinking, "re:^"+buildCharClass(raw.SpinnerChars)+`\s*(?i:`+strings.Join(raw.WhimsicalWords, "|")+`)`)
	}

	p := &PatternProfile{
		Tool:            tool,
		Prompt:          compileAlternation(tool, "prompt", raw.Prompt),
		InputMarker:     compileAlternation(tool, "input_marker", raw.InputMarker),
		Separator:       compileAlternation(tool, "separator", raw.Separator),
		Thinking:        compileAlternation(tool, "thinking", thinking),
		ChoiceIndicator: compileAlternation(tool, "choice_indicator", raw.ChoiceIndicator),
		ChoiceNormal:    compileAlternation(tool, "choice_normal", raw.ChoiceNormal),
		MonotonicCursor: raw.MonotonicCursor,
		Accumulate:      raw.Accumulate,
	}
	for _, s := range raw.Skip {
		if re := compilePattern(tool, "skip", s); re != nil {
			p.Skip = append(p.Skip, re)
		}
	}
	return p
}

// compilePattern turns one raw pattern into a regex, quoting literals.
func compilePattern(tool ToolVariant, field, pattern string) *regexp.Regexp {
	expr := regexp.QuoteMeta(pattern)
	if strings.HasPrefix(pattern, "re:") {
		expr = pattern[3:]
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		patternLog.Warn("invalid_pattern",
			slog.String("tool", string(tool)),
			slog.String("field", field),
			slog.String("pattern", pattern),
			slog.String("error", err.Error()))
		return nil
	}
	return re
}

// compileAlternation joins every valid pattern into one expression.
// Each alternative is validated on its own first so a single bad extra
// pattern does not knock out the built-in ones.
func compileAlternation(tool ToolVariant, field string, patterns []string) *regexp.Regexp {
	var parts []string
	for _, s := range patterns {
		if re := compilePattern(tool, field, s); re != nil {
			parts = append(parts, "(?:"+re.String()+")")
		}
	}
	if len(parts) == 0 {
		return never
	}
	return regexp.MustCompile(strings.Join(parts, "|"))
}

// buildCharClass builds a regex character class from single-glyph strings.
// e.g., ["⠋", "⠙", "✳"] -> "[⠋⠙✳]"
func buildCharClass(chars []string) string {
	var b strings.Builder
	b.WriteRune('[')
	for _, ch := range chars {
		b.WriteString(regexp.QuoteMeta(ch))
	}
	b.WriteRune(']')
	return b.String()
}

// MergeRawProfile appends extras to a copy of defaults. Flags always come
// from defaults.
func MergeRawProfile(defaults, extras *RawProfile) *RawProfile {
	result := &RawProfile{}
	if defaults != nil {
		*result = *defaults
		result.Prompt = copySlice(defaults.Prompt)
		result.InputMarker = copySlice(defaults.InputMarker)
		result.Separator = copySlice(defaults.Separator)
		result.Thinking = copySlice(defaults.Thinking)
		result.ChoiceIndicator = copySlice(defaults.ChoiceIndicator)
		result.ChoiceNormal = copySlice(defaults.ChoiceNormal)
		result.Skip = copySlice(defaults.Skip)
		result.SpinnerChars = copySlice(defaults.SpinnerChars)
		result.WhimsicalWords = copySlice(defaults.WhimsicalWords)
	}
	if extras != nil {
		result.Prompt = append(result.Prompt, extras.Prompt...)
		result.InputMarker = append(result.InputMarker, extras.InputMarker...)
		result.Separator = append(result.Separator, extras.Separator...)
		result.Thinking = append(result.Thinking, extras.Thinking...)
		result.ChoiceIndicator = append(result.ChoiceIndicator, extras.ChoiceIndicator...)
		result.ChoiceNormal = append(result.ChoiceNormal, extras.ChoiceNormal...)
		result.Skip = append(result.Skip, extras.Skip...)
	}
	return result
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}

// Registry maps every known tool to its compiled profile. It is built once
// and read concurrently without locking.
type Registry struct {
	profiles map[ToolVariant]*PatternProfile
}

// NewRegistry compiles the built-in profiles, appending any per-tool extras
// (typically from config.toml). Extras for unknown tools are ignored.
func NewRegistry(extras map[ToolVariant]*RawProfile) *Registry {
	r := &Registry{profiles: make(map[ToolVariant]*PatternProfile, len(AllTools))}
	for _, tool := range AllTools {
		r.profiles[tool] = CompileProfile(tool, MergeRawProfile(DefaultRawProfile(tool), extras[tool]))
	}
	return r
}

// ProfileFor returns the profile for tool, falling back to DefaultTool for
// anything unrecognized. It never returns nil.
func (r *Registry) ProfileFor(tool ToolVariant) *PatternProfile {
	t, _ := ParseTool(string(tool))
	return r.profiles[t]
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the registry compiled from built-in patterns only.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// ProfileFor looks up tool in the default registry.
func ProfileFor(tool ToolVariant) *PatternProfile {
	return DefaultRegistry().ProfileFor(tool)
}

// IsSkip reports whether line is terminal chrome that never belongs in a
// response.
func (p *PatternProfile) IsSkip(line string) bool {
	for _, re := range p.Skip {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// IsUserInput reports whether line is a filled input line: the tool's input
// marker followed by real text. Empty prompts, placeholder hints and choice
// menu rows do not count.
func (p *PatternProfile) IsUserInput(line string) bool {
	loc := p.InputMarker.FindStringIndex(line)
	if loc == nil {
		return false
	}
	if strings.TrimSpace(line[loc[1]:]) == "" {
		return false
	}
	if p.ChoiceIndicator.MatchString(line) {
		return false
	}
	return !p.IsSkip(line)
}

// LastUserInput returns the index of the last filled input line in lines,
// or -1 when there is none.
func (p *PatternProfile) LastUserInput(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if p.IsUserInput(lines[i]) {
			return i
		}
	}
	return -1
}
