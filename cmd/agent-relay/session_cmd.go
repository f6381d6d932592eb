package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

func newSessionCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions", "s"},
		Short:   "Manage agent sessions",
	}
	cmd.AddCommand(newSessionAddCmd(opts))
	cmd.AddCommand(newSessionRegisterCmd(opts))
	cmd.AddCommand(newSessionListCmd(opts))
	cmd.AddCommand(newSessionRemoveCmd(opts))
	return cmd
}

func parseToolFlag(raw string) (tmux.ToolVariant, error) {
	if strings.TrimSpace(raw) == "" {
		return session.GetDefaultTool(), nil
	}
	tool, ok := tmux.ParseTool(raw)
	if !ok {
		names := make([]string, 0, len(tmux.AllTools))
		for _, t := range tmux.AllTools {
			names = append(names, string(t))
		}
		return "", fmt.Errorf("unknown tool %q (want one of %s)", raw, strings.Join(names, ", "))
	}
	return tool, nil
}

func newSessionAddCmd(opts *globalOptions) *cobra.Command {
	var toolName, path, command string

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Start an agent in a new tmux session and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := parseToolFlag(toolName)
			if err != nil {
				return err
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.mgr.Add(cmd.Context(), session.AddOptions{
				Title:       args[0],
				Tool:        tool,
				ProjectPath: path,
				Command:     command,
			})
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			return out.Success(fmt.Sprintf("Added %s (%s) in tmux session %s", inst.Title, inst.ID, inst.TmuxSession), inst)
		},
	}
	cmd.Flags().StringVarP(&toolName, "tool", "t", "", "agent tool: claude, gemini, codex or opencode")
	cmd.Flags().StringVar(&path, "path", ".", "working directory for the agent")
	cmd.Flags().StringVarP(&command, "cmd", "c", "", "override the launch command")
	return cmd
}

func newSessionRegisterCmd(opts *globalOptions) *cobra.Command {
	var toolName, title, path string

	cmd := &cobra.Command{
		Use:   "register <tmux-session>",
		Short: "Adopt an agent already running in a tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := parseToolFlag(toolName)
			if err != nil {
				return err
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.mgr.Register(cmd.Context(), title, args[0], tool, path)
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			return out.Success(fmt.Sprintf("Registered %s (%s)", inst.Title, inst.ID), inst)
		},
	}
	cmd.Flags().StringVarP(&toolName, "tool", "t", "", "agent tool: claude, gemini, codex or opencode")
	cmd.Flags().StringVar(&title, "title", "", "display title (default: tmux session name)")
	cmd.Flags().StringVar(&path, "path", "", "project path to record")
	return cmd
}

func newSessionListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			if len(list) == 0 {
				return out.Print(fmt.Sprintf("No sessions in profile %s\n", a.profile), list)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "%s  %s  %s  %s  %s\n",
				fitColumn("ID", 19), fitColumn("TITLE", 24), fitColumn("TOOL", 8), fitColumn("STATE", 7), "LAST USED")
			for _, inst := range list {
				state := "stopped"
				if inst.Running {
					state = "running"
				}
				fmt.Fprintf(&b, "%s  %s  %s  %s  %s\n",
					fitColumn(inst.ID, 19),
					fitColumn(inst.Title, 24),
					fitColumn(string(inst.Tool), 8),
					fitColumn(state, 7),
					formatAge(inst.LastAccessed))
			}
			return out.Print(b.String(), list)
		},
	}
}

func newSessionRemoveCmd(opts *globalOptions) *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:     "rm <id|title>",
		Aliases: []string{"remove"},
		Short:   "Forget a session and its transcript",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.mgr.Remove(cmd.Context(), args[0], kill)
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			return out.Success(fmt.Sprintf("Removed %s (%s)", inst.Title, inst.ID), inst)
		},
	}
	cmd.Flags().BoolVar(&kill, "kill", false, "also kill the tmux session")
	return cmd
}
