package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/torchd/internal/config"
	"github.com/oshokin/torchd/internal/service/client"
	"github.com/oshokin/torchd/internal/version"
)

var (
	// cfgPath stores the configuration file path.
	cfgPath string
	// serverAddress overrides server_addr from the configuration.
	serverAddress string
	// wait retries while torchd is unreachable.
	wait bool
	// limit bounds the history output.
	limit uint32

	// rootCmd represents the base command for controlling torchd.
	rootCmd = &cobra.Command{
		Use:   "torchctl",
		Short: "Control the torch through torchd.",
		Long: `Sends requests to a running torchd.

The server address is read from the configuration file unless --server is given.
Every verb prints the resulting torch state; watch prints events until interrupted.`,
		SilenceUsage: true,
	}
)

// Execute runs the torchctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newVerb creates a subcommand that runs action. build may fill extra options from args.
func newVerb(use, short string, args cobra.PositionalArgs, action client.Action,
	build func(opts *client.Options, args []string) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			opts := &client.Options{
				ConfigPath:    cfgPath,
				ServerAddress: serverAddress,
				Action:        action,
				Limit:         limit,
				Wait:          wait,
			}

			if build != nil {
				if err := build(opts, args); err != nil {
					return err
				}
			}

			return client.Run(ctx, opts)
		},
	}
}

func parseIntensity(opts *client.Options, args []string) error {
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse intensity %q: %w", args[0], err)
	}

	opts.Intensity = v

	return nil
}

func parseKeepAlive(opts *client.Options, args []string) error {
	v, err := strconv.ParseBool(args[0])
	if err != nil {
		return fmt.Errorf("parse keep-alive flag %q: %w", args[0], err)
	}

	opts.KeepAlive = v

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverAddress, "server", "s", "", "torchd address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&wait, "wait", "w", false, "retry while torchd is unavailable")

	history := newVerb("history", "Print recent torch events, newest first.", cobra.NoArgs, client.ActionHistory, nil)
	history.Flags().Uint32VarP(&limit, "limit", "n", 0, "number of events to print (server default when 0)")

	rootCmd.AddCommand(
		newVerb("on", "Turn the torch on at the preferred intensity.", cobra.NoArgs, client.ActionOn, nil),
		newVerb("off", "Turn the torch off.", cobra.NoArgs, client.ActionOff, nil),
		newVerb("set <intensity>", "Set the intensity; 0 turns off, negative means preferred.",
			cobra.ExactArgs(1), client.ActionSet, parseIntensity),
		newVerb("toggle", "Turn the torch off when on, otherwise on.", cobra.NoArgs, client.ActionToggle, nil),
		newVerb("status", "Print the torch state.", cobra.NoArgs, client.ActionStatus, nil),
		newVerb("refresh", "Retry device discovery.", cobra.NoArgs, client.ActionRefresh, nil),
		newVerb("keep-alive <true|false>", "Keep the primary host resident while idle.",
			cobra.ExactArgs(1), client.ActionKeepAlive, parseKeepAlive),
		newVerb("watch", "Print torch events until interrupted.", cobra.NoArgs, client.ActionWatch, nil),
		history,
	)
}
