package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologos/rcp/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the rcpd build and protocol version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "rcpd %s (%s) protocol 0x%02x\n",
			version.VERSION, version.Commit, version.ProtocolVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
