package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the backupd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
	rootCmd.AddCommand(versionCmd)
}
