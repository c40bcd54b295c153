package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "fleet: NixOS fleet deployment and maintenance",
		Long:  "fleet deploys NixOS configurations to a set of machines and runs the surrounding chores: IPMI power control, secret management, hardware docs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default ./fleet.yaml)")
	cmd.PersistentFlags().String("hosts", "", "comma-separated host filter; empty selects all hosts")
	cmd.PersistentFlags().Bool("insecure", false, "accept unknown SSH host keys")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newDeployLocalCmd())
	cmd.AddCommand(newBuildLocalCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRebootCmd())
	cmd.AddCommand(newGCRootsCmd())
	cmd.AddCommand(newTincKeysCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newDocsCmd())
	cmd.AddCommand(newSSHCmd())
	cmd.AddCommand(newAddServerCmd())
	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newIPMICmd())
	cmd.AddCommand(newSecretsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleet %s (%s)\n", version, commit)
		},
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
