package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// GetVersion returns the current version information
func GetVersion() string {
	return version
}

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s", version, commit, date)
}

// GetVersionWithPrefix returns version with "relaypool version: " prefix
func GetVersionWithPrefix() string {
	return fmt.Sprintf("relaypool version: %s", GetVersion())
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relaypool",
		Long:  "Print the version number of relaypool along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Fprintln(cmd.OutOrStdout(), GetFullVersionInfo())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), GetVersionWithPrefix())
		},
	}
	cmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	return cmd
}
