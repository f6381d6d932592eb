package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

type sendResult struct {
	User  *statedb.Message `json:"user"`
	Reply *statedb.Message `json:"reply,omitempty"`
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var wait time.Duration
	var full bool

	cmd := &cobra.Command{
		Use:   "send <id|title> [message...]",
		Short: "Send a message to an agent and wait for its reply",
		Long: `Send a message to an agent session. Any reply still sitting in the
terminal from the previous turn is saved first. With --wait (default) the
command keeps polling until the agent finishes and prints the reply.
Reads the message from stdin when none is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if text == "" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = strings.TrimRight(string(raw), "\n")
			}

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

			var userMsg *statedb.Message
			var polling func() bool
			if lease == nil {
				// A serve process owns the cursors; let it do the send.
				client, err := a.primaryClient()
				if err != nil {
					return err
				}
				if userMsg, err = client.Send(cmd.Context(), inst.ID, text); err != nil {
					return err
				}
				polling = remotePolling(cmd.Context(), client, inst.ID)
			} else {
				defer lease.Release()
				sched := a.newScheduler()
				defer sched.Close()
				if userMsg, err = poller.NewSender(sched).Send(cmd.Context(), inst.ID, inst.Tool, text); err != nil {
					return err
				}
				polling = func() bool { return sched.IsPolling(inst.ID) }
			}

			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			result := sendResult{User: userMsg}
			if wait <= 0 {
				return out.Success(fmt.Sprintf("Sent to %s", inst.Title), result)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			reply, err := a.waitForReply(ctx, polling, inst.ID, userMsg.CreatedAt)
			if err != nil {
				return fmt.Errorf("waiting for reply: %w", err)
			}
			result.Reply = reply
			if reply == nil {
				return out.Print(fmt.Sprintf("No reply from %s\n", inst.Title), result)
			}
			return out.Print(out.formatMessage(reply, full), result)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the reply; 0 returns immediately")
	cmd.Flags().BoolVar(&full, "full", true, "print the whole reply instead of a one-line preview")
	return cmd
}
