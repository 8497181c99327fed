package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/banshee-data/uwb.locator/internal/version"
)

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print the version",
		GroupID: gMaintain,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uwb %s (%s, built %s, %s)\n",
				version.Version, version.GitSHA, version.BuildTime, runtime.Version())
		},
	}
}
