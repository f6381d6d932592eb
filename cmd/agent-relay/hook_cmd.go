package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/session"
)

func newHookCmd(opts *globalOptions) *cobra.Command {
	var event string
	var optional bool

	cmd := &cobra.Command{
		Use:   "hook [session-id]",
		Short: "Signal that an agent finished a turn (for agent stop hooks)",
		Long: `Write a hook event so a running "agent-relay serve" polls the session
immediately instead of waiting for its next tick. Intended for agent stop
hooks, e.g. in Claude's settings.json:

  "hooks": {"Stop": [{"hooks": [{"type": "command", "command": "agent-relay hook --optional"}]}]}

"agent-relay hooks install" writes that entry for you. The session id
defaults to $` + session.SessionIDEnv + `, which is set for agents started with
"agent-relay session add".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := os.Getenv(session.SessionIDEnv)
			if len(args) == 1 {
				id = args[0]
			}
			id = strings.TrimSpace(id)
			if id == "" {
				if optional {
					return nil
				}
				return fmt.Errorf("session id required (argument or $%s)", session.SessionIDEnv)
			}

			dir, err := session.GetEventsDir()
			if err != nil {
				return err
			}
			return session.WriteHookEvent(dir, session.HookEvent{
				SessionID: id,
				Event:     event,
				Timestamp: time.Now().Unix(),
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "stop", "hook event name")
	cmd.Flags().BoolVar(&optional, "optional", false, "exit quietly when no session id is known")
	return cmd
}

func newProfilesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List profiles that have a state database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := session.ListProfiles()
			if err != nil {
				return err
			}
			current := session.GetEffectiveProfile(opts.profile)

			var b strings.Builder
			for _, p := range profiles {
				marker := " "
				if p == current {
					marker = bulletSymbol
				}
				fmt.Fprintf(&b, "%s %s\n", marker, p)
			}
			if len(profiles) == 0 {
				fmt.Fprintf(&b, "No profiles yet (current: %s)\n", current)
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			return out.Print(b.String(), map[string]any{"current": current, "profiles": profiles})
		},
	}
}
