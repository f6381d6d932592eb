package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/session"
)

// Version is stamped by the release build.
var Version = "0.1.0"

// DebugEnv forces debug logging like --debug.
const DebugEnv = "AGENTRELAY_DEBUG"

// globalOptions are the persistent flags every command sees.
type globalOptions struct {
	profile string
	debug   bool
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Relay chat transcripts to and from coding agents running in tmux",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging(opts)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Shutdown()
		},
	}

	root.PersistentFlags().StringVarP(&opts.profile, "profile", "p", "", "profile to use (default from $"+session.ProfileEnv+" or config)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "write debug logs to the relay directory")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print machine-readable JSON")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSessionCmd(opts))
	root.AddCommand(newSendCmd(opts))
	root.AddCommand(newMessagesCmd(opts))
	root.AddCommand(newPollCmd(opts))
	root.AddCommand(newHookCmd(opts))
	root.AddCommand(newHooksCmd(opts))
	root.AddCommand(newProfilesCmd(opts))

	return root
}

func initLogging(opts *globalOptions) error {
	debug := opts.debug || os.Getenv(DebugEnv) != ""
	baseDir, err := session.GetRelayDir()
	if err != nil {
		return fmt.Errorf("resolve relay dir: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return fmt.Errorf("create relay dir: %w", err)
	}

	logDir := ""
	if debug {
		logDir = baseDir
	}
	logging.Init(session.GetLogSettings().LoggingConfig(logDir, debug))

	logging.ForComponent(logging.CompConfig).Debug("cli_started",
		slog.Int("pid", os.Getpid()),
		slog.String("profile", session.GetEffectiveProfile(opts.profile)),
		slog.String("version", Version))
	return nil
}

// crashDumpPath names a log dump in the relay directory.
func crashDumpPath() string {
	baseDir, err := session.GetRelayDir()
	if err != nil {
		baseDir = os.TempDir()
	}
	return filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
}
