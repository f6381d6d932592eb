package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

func newMessagesCmd(opts *globalOptions) *cobra.Command {
	var limit int
	var since time.Duration
	var full bool

	cmd := &cobra.Command{
		Use:     "messages <id|title>",
		Aliases: []string{"log"},
		Short:   "Print a session's transcript",
		Args:    cobra.ExactArgs(1),
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

			listOpts := statedb.ListOptions{Limit: limit}
			if since > 0 {
				listOpts.After = time.Now().Add(-since)
			}
			msgs, err := a.db.ListMessages(inst.ID, listOpts)
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []*statedb.Message{}
			}

			out := newCLIOutput(cmd.OutOrStdout(), opts.json)
			if len(msgs) == 0 {
				return out.Print(fmt.Sprintf("No messages for %s\n", inst.Title), msgs)
			}
			var b strings.Builder
			for _, m := range msgs {
				b.WriteString(out.formatMessage(m, full))
			}
			return out.Print(b.String(), msgs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show only the newest N messages; 0 for all")
	cmd.Flags().DurationVar(&since, "since", 0, "only messages newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&full, "full", false, "print whole messages instead of one-line previews")
	return cmd
}
