package tmux

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

const rule = "────────────────────────────────────────"

func frame(lines ...string) string {
	return Normalize(strings.Join(lines, "\n"))
}

func TestClassify_ClaudeIdle(t *testing.T) {
	f := frame(
		"> what is 2+2?",
		"",
		"⏺ 4",
		"",
		rule,
		">",
		rule,
		"  ? for shortcuts",
	)
	c := Classify(f, ProfileFor(ToolClaude))
	assert.True(t, c.HasPrompt)
	assert.True(t, c.HasSeparator)
	assert.False(t, c.IsThinking)
	assert.True(t, c.IsComplete)
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, c.Done())
}

func TestClassify_ClaudeThinking(t *testing.T) {
	f := frame(
		"> refactor the parser",
		"",
		"✳ Cogitating… (12s · esc to interrupt)",
		"",
		rule,
		">",
		rule,
	)
	c := Classify(f, ProfileFor(ToolClaude))
	assert.True(t, c.HasPrompt)
	assert.True(t, c.IsThinking)
	assert.False(t, c.IsComplete)
	assert.Equal(t, StateThinking, c.State())
	assert.False(t, c.Done())
}

func TestClassify_ClaudeChoice(t *testing.T) {
	f := frame(
		"Do you want to make this edit to main.go?",
		"❯ 1. Yes",
		"  2. Yes, allow all edits during this session",
		"  3. No, and tell Claude what to do differently",
	)
	c := Classify(f, ProfileFor(ToolClaude))
	assert.True(t, c.ChoicePending)
	assert.Equal(t, StateChoice, c.State())
	assert.True(t, c.Done())
}

func TestClassify_ChoiceNeedsNormalRow(t *testing.T) {
	c := Classify(frame("❯ 1. Yes"), ProfileFor(ToolClaude))
	assert.False(t, c.ChoicePending)
}

func TestClassify_GeminiIdle(t *testing.T) {
	f := frame(
		"✦ Here is the answer.",
		"╭──────────────────────────────────────╮",
		"│ >   Type your message or @path/to/file │",
		"╰──────────────────────────────────────╯",
		"~/src/app (main*)   no sandbox   gemini-2.5-pro (98% context left)",
	)
	c := Classify(f, ProfileFor(ToolGemini))
	assert.True(t, c.IsComplete)
}

func TestClassify_GeminiBusy(t *testing.T) {
	f := frame(
		"⠋ Reading files (esc to cancel, 3s)",
		"╭──────────────────────────────────────╮",
		"│ >   Type your message or @path/to/file │",
		"╰──────────────────────────────────────╯",
	)
	c := Classify(f, ProfileFor(ToolGemini))
	assert.True(t, c.IsThinking)
	assert.False(t, c.IsComplete)
}

func TestClassify_CodexIdle(t *testing.T) {
	f := frame(
		"› add a test",
		"",
		"• Added TestParse in parser_test.go.",
		"",
		"›",
		"  ⏎ send   ⌃J newline   ⌃T transcript   ⌃C quit   92% context left",
	)
	c := Classify(f, ProfileFor(ToolCodex))
	assert.True(t, c.IsComplete)
}

func TestClassify_CodexWorking(t *testing.T) {
	f := frame(
		"› add a test",
		"• Working (4s • esc to interrupt)",
		"›",
		"  ⏎ send   ⌃J newline   92% context left",
	)
	c := Classify(f, ProfileFor(ToolCodex))
	assert.True(t, c.IsThinking)
	assert.False(t, c.IsComplete)
}

func TestClassify_OpenCode(t *testing.T) {
	idle := frame("The answer is 4.", "> Ask anything", "enter send  ctrl+p commands")
	busy := frame("Generating...", "> Ask anything", "esc interrupt  enter send")

	assert.True(t, Classify(idle, ProfileFor(ToolOpenCode)).IsComplete)
	assert.False(t, Classify(busy, ProfileFor(ToolOpenCode)).IsComplete)
}

func TestClassify_OnlyLastWindowCounts(t *testing.T) {
	lines := []string{"✳ Cogitating… (2s · esc to interrupt)"}
	for i := 0; i < ClassifyWindow; i++ {
		lines = append(lines, "plain output")
	}
	lines = append(lines, rule, ">", rule)
	c := Classify(frame(lines...), ProfileFor(ToolClaude))
	assert.False(t, c.IsThinking, "spinner above the window is ignored")
	assert.True(t, c.IsComplete)
}

func TestClassify_Empty(t *testing.T) {
	c := Classify("", ProfileFor(ToolClaude))
	assert.Equal(t, Classification{}, c)
	assert.Equal(t, StateUnknown, c.State())
}

func TestClassify_ThinkingVetoesCompletionProperty(t *testing.T) {
	pieces := []string{rule, ">", "> hi", "⏺ text", "❯ 1. Yes", "  2. No", "", "plain"}
	rapid.Check(t, func(t *rapid.T) {
		tool := rapid.SampledFrom(AllTools).Draw(t, "tool")
		p := ProfileFor(tool)
		lines := rapid.SliceOfN(rapid.SampledFrom(pieces), 0, 15).Draw(t, "lines")
		lines = append(lines, "esc to interrupt  esc to cancel  esc interrupt")
		c := ClassifyLines(lines, p)
		if !c.IsThinking {
			t.Fatalf("%s: busy footer not detected", tool)
		}
		if c.IsComplete || c.ChoicePending || c.Done() {
			t.Fatalf("%s: thinking frame classified as done: %+v", tool, c)
		}
	})
}
