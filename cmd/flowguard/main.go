package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/cmd/flowguard/commands"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command. Without a subcommand it runs detect.
func NewRootCommand() *cobra.Command {
	detect := commands.NewDetectCommand()

	cmd := &cobra.Command{
		Use:   "flowguard",
		Short: "Streaming network flow anomaly detection",
		Long: `flowguard reads network flow records, learns what normal traffic looks like
with an online Isolation Forest and reports flows that do not fit.

Records are read from stdin or a file, one per line:

  2024-01-15T10:30:00 192.168.1.10 54321 10.0.0.1 443 TCP 1500 0.05

or aggregated from a pcap/pcapng capture with --pcap.`,
		Version:       fmt.Sprintf("%s (built %s, commit %s)", version, buildDate, gitCommit),
		Args:          cobra.NoArgs,
		RunE:          detect.RunE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().AddFlagSet(detect.Flags())

	cmd.AddCommand(
		detect,
		commands.NewVersionCommand(version, buildDate, gitCommit),
	)

	return cmd
}
