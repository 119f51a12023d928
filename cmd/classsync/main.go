package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "classsync",
		Short:         "Reconcile published class schedules into local recurring sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "/etc/classsync/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSyncCmd(&g))
	root.AddCommand(newServeCmd(&g))
	root.AddCommand(newExportCmd(&g))
	root.AddCommand(newDigestsCmd(&g))
	root.AddCommand(newLocationsCmd(&g))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "classsync %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
