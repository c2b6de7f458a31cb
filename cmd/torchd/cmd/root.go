package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/torchd/internal/config"
	"github.com/oshokin/torchd/internal/service/server"
	"github.com/oshokin/torchd/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// preferencesFile overrides where the preferred intensity is stored.
	preferencesFile string
	// simulate switches to in-memory devices.
	simulate bool

	// rootCmd represents the base command for running the torch daemon.
	rootCmd = &cobra.Command{
		Use:   "torchd [listen-address]",
		Short: "Run the torch session daemon.",
		Long: `Starts torchd, which owns the torch device and serves the gRPC API used by torchctl.

The listen address defaults to server_addr from the configuration file and can be
overridden by the argument (e.g., 127.0.0.1:7311, :7311).
A missing configuration file means defaults: the sysfs backend on /sys/class/leds.
Use --simulate to run against in-memory devices instead of hardware.
On SIGINT or SIGTERM the torch is turned off before the daemon exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			return server.Run(ctx, &server.Options{
				ConfigPath:      configPath,
				ListenAddress:   listenAddress,
				PreferencesFile: preferencesFile,
				Simulate:        simulate,
			})
		},
	}
)

// Execute runs the torchd CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&preferencesFile, "preferences", "p", "", "path to the preferences file (overrides config)")
	rootCmd.Flags().BoolVar(&simulate, "simulate", false, "use in-memory devices instead of hardware")
}
