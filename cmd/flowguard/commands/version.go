package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command
func NewVersionCommand(version, buildDate, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "flowguard %s\n", version)
			fmt.Fprintf(w, "  Build Date:\t%s\n", buildDate)
			fmt.Fprintf(w, "  Git Commit:\t%s\n", gitCommit)
			fmt.Fprintf(w, "  Go Version:\t%s\n", runtime.Version())
			fmt.Fprintf(w, "  Platform:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
