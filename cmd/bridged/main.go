// bridged is the bridge daemon: a local message bridge between registered
// clients over a unix stream socket, with an HTTP control plane.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openclaw/bridge/internal/config"
	"github.com/openclaw/bridge/internal/daemon"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		console    bool
	)

	root := &cobra.Command{
		Use:          "bridged",
		Short:        "local message bridge daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			d, err := daemon.New(cfg, daemon.Options{Version: version, ConsoleLog: console})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file path (default: $BRIDGE_CONFIG, then "+config.DefaultPath()+")")
	root.Flags().BoolVar(&console, "console", false, "mirror the log to stderr in human-readable form")

	root.AddCommand(newCheckConfigCmd(&configPath))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHashKeyCmd())
	return root
}

// newCheckConfigCmd loads and validates the configuration without starting
// anything, for use from deploy scripts.
func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d clients, socket %s, http %s\n",
				len(cfg.Clients), cfg.SocketPath, cfg.HTTPAddr())
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bridged", version)
		},
	}
}

// newHashKeyCmd hashes a plaintext secret into the stored keyHash form, so
// operators never have to put plaintext keys in the config file.
func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <secret>",
		Short: "print the SHA-256 keyHash for a client secret or admin token",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.HashSecret(args[0]))
		},
	}
}
