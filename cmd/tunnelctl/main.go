// Package main is tunnelctl, a command-line client for the delegate-tunnel
// query and command surfaces.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/morezero/delegate-tunnel/pkg/commsutil"
)

// options are the flags shared by every command.
type options struct {
	url               string
	user              string
	timeout           time.Duration
	querySubject      string
	controllerSubject string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tunnelctl",
		Short:         "Drive a delegate tunnel over COMMS",
		Long:          "Send controller commands and registry queries to a running delegate-tunnel.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", envOr("COMMS_URL", "nats://127.0.0.1:4222"), "COMMS server URL")
	flags.StringVar(&opts.user, "user", envOr("TUNNEL_USER", ""), "caller identity sent as ctx.userId (the remote principal)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	flags.StringVar(&opts.querySubject, "query-subject", commsutil.SubjectQuery, "query surface subject")
	flags.StringVar(&opts.controllerSubject, "controller-subject", commsutil.SubjectController, "command surface subject")

	root.AddCommand(
		newOpenChannelCmd(opts),
		newCloseChannelCmd(opts),
		newInstantiateCmd(opts),
		newMigrateCmd(opts),
		newDispatchCmd(opts),
		newWhoAmICmd(opts),
		newOutcomeCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
