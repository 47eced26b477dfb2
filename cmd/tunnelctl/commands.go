package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/morezero/delegate-tunnel/pkg/dispatcher"
	"github.com/morezero/delegate-tunnel/pkg/registry"
)

func newOpenChannelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "open-channel [connection-id]",
		Short: "Open a tunnel channel over a connection (default $CONNECTION_ID or connection-0)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectionID := envOr("CONNECTION_ID", "connection-0")
			if len(args) == 1 {
				connectionID = args[0]
			}
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "openChannel",
				dispatcher.OpenChannelParams{ConnectionID: connectionID})
		},
	}
}

func newCloseChannelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close-channel <channel-id>",
		Short: "Close a local tunnel channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "closeChannel",
				dispatcher.ChannelParams{ChannelID: args[0]})
		},
	}
}

func newInstantiateCmd(opts *options) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "instantiate <channel-id> <code-id> [init-msg-json]",
		Short: "Ask the remote executor to create the caller's delegate",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			codeID, err := parseUint("code-id", args[1])
			if err != nil {
				return err
			}
			msg, err := jsonArg(args, 2)
			if err != nil {
				return err
			}
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "remoteInstantiate",
				dispatcher.RemoteInstantiateParams{ChannelID: args[0], InstMsg: msg, CodeID: codeID, JobID: optional(jobID)})
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "caller-chosen job id echoed in events")
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "migrate <channel-id> <new-code-id> [migrate-msg-json]",
		Short: "Ask the remote executor to migrate the caller's delegate",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			codeID, err := parseUint("new-code-id", args[1])
			if err != nil {
				return err
			}
			msg, err := jsonArg(args, 2)
			if err != nil {
				return err
			}
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "remoteMigrate",
				dispatcher.RemoteMigrateParams{ChannelID: args[0], MigrateMsg: msg, NewCodeID: codeID, JobID: optional(jobID)})
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "caller-chosen job id echoed in events")
	return cmd
}

func newDispatchCmd(opts *options) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "dispatch <channel-id> <msgs-json>",
		Short: "Run messages through the caller's delegate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := jsonArg(args, 1)
			if err != nil {
				return err
			}
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "remoteDispatch",
				dispatcher.RemoteDispatchParams{ChannelID: args[0], DispatchMsg: msg, JobID: optional(jobID)})
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "caller-chosen job id echoed in events")
	return cmd
}

func newWhoAmICmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami <channel-id>",
		Short: "Ask the remote executor for the caller's delegate address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "queryRemoteAddr",
				dispatcher.ChannelParams{ChannelID: args[0]})
		},
	}
}

func newOutcomeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <channel-id> <sequence>",
		Short: "Show the acknowledgement or timeout recorded for a sent packet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseUint("sequence", args[1])
			if err != nil {
				return err
			}
			return call(opts, cmd.OutOrStdout(), opts.controllerSubject, "getPacketOutcome",
				dispatcher.PacketOutcomeParams{ChannelID: args[0], Sequence: seq})
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <connection-id> <port-id> <principal>",
		Short: "Look up the delegate registered for a principal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(opts, cmd.OutOrStdout(), opts.querySubject, "getDelegate",
				registry.GetDelegateInput{ConnectionID: args[0], PortID: args[1], Principal: args[2]})
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var startAfter string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered delegates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var input registry.ListDelegatesInput
			if startAfter != "" {
				parts := strings.Split(startAfter, ",")
				if len(parts) != 3 {
					return fmt.Errorf("--start-after must be connection,port,principal")
				}
				input.StartAfter = parts
			}
			if cmd.Flags().Changed("limit") {
				input.Limit = &limit
			}
			return call(opts, cmd.OutOrStdout(), opts.querySubject, "listDelegates", input)
		},
	}
	cmd.Flags().StringVar(&startAfter, "start-after", "", "exclusive cursor: connection,port,principal")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when unset)")
	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show registry health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(opts, cmd.OutOrStdout(), opts.querySubject, "health", struct{}{})
		},
	}
}

func parseUint(name, s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer: %q", name, s)
	}
	return n, nil
}

// jsonArg returns args[i] as raw JSON, or nil when absent.
func jsonArg(args []string, i int) (json.RawMessage, error) {
	if len(args) <= i {
		return nil, nil
	}
	raw := json.RawMessage(args[i])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("argument %d is not valid JSON", i+1)
	}
	return raw, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
