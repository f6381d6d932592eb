package tmux

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// Side borders drawn by boxed input areas. Horizontal rules are left alone
// because they double as completion separators.
var (
	leadingBorder  = regexp.MustCompile(`^\s*[│┃║](?:\s*[│┃║])*[ \t]?`)
	trailingBorder = regexp.MustCompile(`\s*[│┃║](?:\s*[│┃║])*\s*$`)
)

// Normalize turns a raw pane capture into plain text: escape sequences and
// control characters are removed, non-breaking spaces become spaces, box side
// borders are stripped and trailing whitespace is trimmed per line.
// It is idempotent and never changes the number of lines.
func Normalize(frame string) string {
	if frame == "" {
		return ""
	}
	// Split first so an unterminated escape sequence cannot swallow a newline.
	lines := strings.Split(frame, "\n")
	for i, line := range lines {
		line = strings.Map(keepPrintable, ansi.Strip(line))
		line = leadingBorder.ReplaceAllString(line, "")
		line = trailingBorder.ReplaceAllString(line, "")
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// keepPrintable drops control characters (tab excepted) and maps NBSP to a
// plain space. Invalid UTF-8 decodes to RuneError and is dropped too.
func keepPrintable(r rune) rune {
	switch {
	case r == '\t':
		return r
	case r == '\u00a0':
		return ' '
	case r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f):
		return -1
	case r == unicode.ReplacementChar:
		return -1
	}
	return r
}

// Lines splits a normalized frame into lines, dropping trailing blank lines.
// len(Lines(f)) is the line count cursors are measured in.
func Lines(normalized string) []string {
	if normalized == "" {
		return nil
	}
	lines := strings.Split(normalized, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}

// LineCount returns len(Lines(normalized)).
func LineCount(normalized string) int {
	return len(Lines(normalized))
}
