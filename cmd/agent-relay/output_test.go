package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

func TestFitColumn(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"abc", 5, "abc  "},
		{"abcdef", 4, "abc…"},
		{"日本語", 4, "日… "},
		{"", 3, "   "},
	}
	for _, tt := range tests {
		got := fitColumn(tt.in, tt.width)
		if got != tt.want {
			t.Errorf("fitColumn(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
		if w := runewidth.StringWidth(got); w != tt.width {
			t.Errorf("fitColumn(%q, %d) width = %d", tt.in, tt.width, w)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-5*time.Minute - time.Second), "5m ago"},
		{now.Add(-3*time.Hour - time.Minute), "3h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.at); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestFormatMessagePreviewFitsWidth(t *testing.T) {
	out := &cliOutput{width: 40}
	msg := &statedb.Message{
		Role:      statedb.RoleAssistant,
		Content:   "first line\nsecond line with a lot more words than fit in forty columns",
		CreatedAt: time.Now(),
	}

	got := out.formatMessage(msg, false)
	if strings.Count(got, "\n") != 1 {
		t.Fatalf("preview should be one line, got %q", got)
	}
	if w := runewidth.StringWidth(strings.TrimSuffix(got, "\n")); w > 40 {
		t.Fatalf("preview width = %d, want <= 40", w)
	}
	if !strings.Contains(got, replySymbol) || !strings.Contains(got, "first line second line") {
		t.Fatalf("preview = %q", got)
	}
}

func TestFormatMessageFullIndentsContinuation(t *testing.T) {
	out := &cliOutput{width: 40}
	msg := &statedb.Message{
		Role:      statedb.RoleUser,
		Content:   "one\ntwo",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local),
	}

	got := out.formatMessage(msg, true)
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "03:04:05 "+userSymbol+" one") {
		t.Fatalf("first line = %q", lines[0])
	}
	prefixWidth := runewidth.StringWidth("03:04:05 " + userSymbol + " ")
	if lines[1] != strings.Repeat(" ", prefixWidth)+"two" {
		t.Fatalf("continuation = %q", lines[1])
	}
}

func TestSuccessJSONMode(t *testing.T) {
	var buf bytes.Buffer
	out := newCLIOutput(&buf, true)
	if err := out.Success("ignored", map[string]string{"id": "x"}); err != nil {
		t.Fatalf("Success: %v", err)
	}
	if strings.Contains(buf.String(), "ignored") || !strings.Contains(buf.String(), `"id": "x"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	buf.Reset()
	out = newCLIOutput(&buf, false)
	if err := out.Success("done", nil); err != nil {
		t.Fatalf("Success: %v", err)
	}
	if buf.String() != successSymbol+" done\n" {
		t.Fatalf("human output = %q", buf.String())
	}
}

func TestParseToolFlag(t *testing.T) {
	isolateHome(t)

	got, err := parseToolFlag("Gemini")
	if err != nil || got != tmux.ToolGemini {
		t.Fatalf("parseToolFlag(Gemini) = %q, %v", got, err)
	}

	got, err = parseToolFlag("")
	if err != nil || got != tmux.ToolClaude {
		t.Fatalf("parseToolFlag(\"\") = %q, %v, want default claude", got, err)
	}

	if _, err := parseToolFlag("emacs"); err == nil || !strings.Contains(err.Error(), "opencode") {
		t.Fatalf("parseToolFlag(emacs) err = %v, want list of tools", err)
	}
}
