package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/session"
)

func newPollCmd(opts *globalOptions) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "poll <id|title>",
		Short: "Watch a session until the agent finishes and save its reply",
		Long: `Poll a session in the foreground. Use this after typing into the agent
directly (outside the relay) to capture the reply into the transcript.
Stops on completion, when the tmux session exits, or after the configured
max_duration_secs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.mgr.Get(args[0])
			if err != nil {
				return err
			}

			lease, err := a.acquirePollerLease(cmd.Context())
			if err != nil {
				return err
			}

			started := time.Now()
			var polling func() bool
			if lease == nil {
				client, err := a.primaryClient()
				if err != nil {
					return err
				}
				if err := client.StartPoll(cmd.Context(), inst.ID); err != nil {
					return err
				}
				polling = remotePolling(cmd.Context(), client, inst.ID)
			} else {
				defer lease.Release()
				sched := a.newScheduler()
				defer sched.Close()
				if err := sched.Start(cmd.Context(), inst.ID, inst.Tool); err != nil {
					return err
				}
				polling = func() bool { return sched.IsPolling(inst.ID) }
			}

			timeout := session.GetPollSettings().SchedulerConfig().MaxDuration
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+timeout/10)
			defer cancel()
			reply, err := a.waitForReply(ctx, polling, inst.ID, started)
			if err != nil {
				return fmt.Errorf("polling %s: %w", inst.Title, err)
			}

			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			if reply == nil {
				return out.Print(fmt.Sprintf("No new reply from %s\n", inst.Title), map[string]any{"reply": nil})
			}
			return out.Print(out.formatMessage(reply, full), map[string]any{"reply": reply})
		},
	}
	cmd.Flags().BoolVar(&full, "full", true, "print the whole reply instead of a one-line preview")
	return cmd
}
