package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// Symbols for human-readable output
const (
	successSymbol = "✓"
	bulletSymbol  = "•"
	userSymbol    = "›"
	replySymbol   = "⏺"
)

// defaultWidth is used when stdout is not a terminal.
const defaultWidth = 100

// cliOutput handles consistent output formatting across all commands.
type cliOutput struct {
	w        io.Writer
	jsonMode bool
	width    int
}

func newCLIOutput(w io.Writer, jsonMode bool) *cliOutput {
	return &cliOutput{w: w, jsonMode: jsonMode, width: terminalWidth(w)}
}

// terminalWidth reports the column count when w is a terminal.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
			return cols
		}
	}
	return defaultWidth
}

// Success prints a success message or the JSON payload.
func (c *cliOutput) Success(message string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := fmt.Fprintf(c.w, "%s %s\n", successSymbol, message)
	return err
}

// Print prints human text or the JSON payload.
func (c *cliOutput) Print(human string, data any) error {
	if c.jsonMode {
		return c.printJSON(data)
	}
	_, err := fmt.Fprint(c.w, human)
	return err
}

func (c *cliOutput) printJSON(data any) error {
	enc := json.NewEncoder(c.w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// fitColumn pads or truncates s to exactly width display cells.
func fitColumn(s string, width int) string {
	s = runewidth.Truncate(s, width, "…")
	return runewidth.FillRight(s, width)
}

// oneLine flattens whitespace so a preview fits a single row.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// formatMessage renders a transcript entry. Full messages keep their line
// breaks; otherwise the body is cut to the terminal width.
func (c *cliOutput) formatMessage(m *statedb.Message, full bool) string {
	symbol := replySymbol
	if m.Role == statedb.RoleUser {
		symbol = userSymbol
	}
	stamp := m.CreatedAt.Local().Format(time.TimeOnly)
	prefix := fmt.Sprintf("%s %s ", stamp, symbol)

	if full {
		indent := strings.Repeat(" ", runewidth.StringWidth(prefix))
		body := strings.ReplaceAll(m.Content, "\n", "\n"+indent)
		return prefix + body + "\n"
	}
	room := c.width - runewidth.StringWidth(prefix)
	if room < 10 {
		room = 10
	}
	return prefix + runewidth.Truncate(oneLine(m.Content), room, "…") + "\n"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
