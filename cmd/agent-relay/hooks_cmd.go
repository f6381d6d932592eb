package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/session"
)

func newHooksCmd(opts *globalOptions) *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the Claude stop hook that triggers immediate capture",
	}
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Claude config directory (default $CLAUDE_CONFIG_DIR or ~/.claude)")

	resolve := func() (string, error) {
		if configDir != "" {
			return configDir, nil
		}
		return session.ClaudeConfigDir()
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Add the relay Stop hook to Claude's settings.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolve()
			if err != nil {
				return err
			}
			installed, err := session.InstallClaudeStopHook(dir)
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			msg := "Stop hook already installed in " + dir
			if installed {
				msg = "Installed Stop hook in " + dir
			}
			return out.Success(msg, map[string]any{"config_dir": dir, "installed": installed})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "uninstall",
		Aliases: []string{"remove"},
		Short:   "Remove the relay Stop hook from Claude's settings.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolve()
			if err != nil {
				return err
			}
			removed, err := session.RemoveClaudeStopHook(dir)
			if err != nil {
				return err
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			msg := "No relay hook in " + dir
			if removed {
				msg = "Removed Stop hook from " + dir
			}
			return out.Success(msg, map[string]any{"config_dir": dir, "removed": removed})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the relay Stop hook is installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolve()
			if err != nil {
				return err
			}
			installed := session.ClaudeStopHookInstalled(dir)
			state := "not installed"
			if installed {
				state = "installed"
			}
			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			return out.Print(fmt.Sprintf("Stop hook %s (%s)\n", state, dir),
				map[string]any{"config_dir": dir, "installed": installed})
		},
	})

	return cmd
}
