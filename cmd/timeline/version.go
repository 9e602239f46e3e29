package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"timeline/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		full, err := cmd.Flags().GetBool("full")
		if err != nil {
			return fmt.Errorf("failed to get full flag: %w", err)
		}

		info := version.Current()
		switch strings.ToLower(format) {
		case "pretty":
			return info.WritePretty(cmd.OutOrStdout(), full)
		case "json":
			return info.WriteJSON(cmd.OutOrStdout())
		default:
			return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
		}
	},
}

func init() {
	versionCmd.Flags().String("format", "pretty", "output format (pretty|json)")
	versionCmd.Flags().Bool("full", false, "include commit hash and build date")
}
