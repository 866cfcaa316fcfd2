package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/lkarlslund/chatrelay/pkg/version"
	"github.com/spf13/cobra"
)

func init() {
	var asJSON bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print chatrelay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(version.Current())
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("chatrelay"))
			return nil
		},
	}
	versionCmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")
	rootCmd.AddCommand(versionCmd)
}
