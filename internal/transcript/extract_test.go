package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

const rule = "────────────────────────────────────────"

func normLines(frame ...string) []string {
	return tmux.Lines(tmux.Normalize(strings.Join(frame, "\n")))
}

func TestExtract_AfterLastPrompt(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines(
		"⏺ leftover from before",
		"> what is 2+2?",
		"",
		"⏺ It is 4.",
		"",
		"",
		"  Because arithmetic.",
		"",
		rule,
		">",
		rule,
		"  ? for shortcuts",
	)
	assert.Equal(t, "⏺ It is 4.\n\n  Because arithmetic.", Extract(lines, p, AfterLastPrompt))
}

func TestExtract_AfterLastPromptWithoutEcho(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines("⏺ continuing output", rule, ">", rule)
	assert.Equal(t, "⏺ continuing output", Extract(lines, p, AfterLastPrompt))
}

func TestExtract_BeforeLastPrompt(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines(
		"⏺ answer to the previous turn",
		rule,
		"> next question already typed",
		rule,
	)
	assert.Equal(t, "⏺ answer to the previous turn", Extract(lines, p, BeforeLastPrompt))
}

func TestExtract_BeforeLastPromptIgnoresEmptyMarker(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines("⏺ reply line one", "  reply line two", rule, ">", rule)
	assert.Equal(t, "⏺ reply line one\n  reply line two", Extract(lines, p, BeforeLastPrompt),
		"an idle prompt is not a cut point, the whole window is pre-prompt content")
}

func TestExtract_BeforeLastPromptAfterEcho(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines(
		"> what changed?",
		"",
		"⏺ Two files.",
		"",
		rule,
		">",
		rule,
	)
	assert.Equal(t, "⏺ Two files.", Extract(lines, p, BeforeLastPrompt),
		"a window opening with the previous question keeps the reply below it")
}

func TestExtract_OnlyChromeIsEmpty(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	lines := normLines(rule, ">", rule, "  ? for shortcuts", "✳ Cogitating… (3s · esc to interrupt)")
	assert.Empty(t, Extract(lines, p, AfterLastPrompt))
	assert.Empty(t, Extract(nil, p, BeforeLastPrompt))
}

func TestExtract_GeminiBox(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolGemini)
	lines := normLines(
		"> summarize README",
		"✦ The README describes a CLI.",
		"╭────────────────────────────────────────╮",
		"│ >   Type your message or @path/to/file │",
		"╰────────────────────────────────────────╯",
		"~/src (main*)   no sandbox   gemini-2.5-pro (97% context left)",
	)
	assert.Equal(t, "✦ The README describes a CLI.", Extract(lines, p, AfterLastPrompt))
}

func TestExtract_CodexFooter(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolCodex)
	lines := normLines(
		"› add a test",
		"• Added TestParse.",
		"›",
		"  ⏎ send   ⌃J newline   92% context left",
	)
	assert.Equal(t, "• Added TestParse.", Extract(lines, p, AfterLastPrompt))
}

func TestClean_CollapsesBlankRuns(t *testing.T) {
	p := tmux.ProfileFor(tmux.ToolClaude)
	got := Clean([]string{"a", "", "   ", rule, "", "b", ""}, p)
	assert.Equal(t, []string{"a", "", "b", ""}, got)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "after_last_prompt", AfterLastPrompt.String())
	assert.Equal(t, "before_last_prompt", BeforeLastPrompt.String())
}
