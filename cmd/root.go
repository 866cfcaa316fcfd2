package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Authenticated streaming relay for a character chat API",
	Long: "chatrelay sits between browsers and a character chat API. It keeps credentials in " +
		"HttpOnly cookies, refreshes them on demand, and relays reply streams as they are generated.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json, logfmt)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		_, err := logutil.Configure(logLevel, logFormat)
		return err
	}
}

// logFlagsChanged reports whether the user set logging on the command line,
// which then wins over the config file.
func logFlagsChanged(cmd *cobra.Command) (level, format bool) {
	return cmd.Flags().Changed("loglevel"), cmd.Flags().Changed("log-format")
}
