package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/wizard"
	"github.com/spf13/cobra"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfigOrDefault(configServerPath)
			if err != nil {
				return err
			}
			return wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg)
		},
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfigOrDefault(configServerPath)
			if err != nil {
				return err
			}
			b, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default server config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadOrCreateServerConfig(configServerPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), configServerPath)
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)
}

func loadServerConfigOrDefault(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.NewDefaultServerConfig()
		cfg.Normalize()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}
