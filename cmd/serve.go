package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/proxy"
	"github.com/lkarlslund/chatrelay/pkg/version"
	"github.com/lkarlslund/chatrelay/pkg/wizard"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath        string
	serveListenAddr        string
	serveUpstream          string
	serveProduction        bool
	serveStreamIdleTimeout time.Duration
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No server config found at %s. Running first-time setup wizard.\n", serveConfigPath)
				if err := wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), serveConfigPath, config.NewDefaultServerConfig()); err != nil {
					return fmt.Errorf("first-time setup failed: %w", err)
				}
				cfg, err = config.LoadServerConfig(serveConfigPath)
				if err != nil {
					return fmt.Errorf("load server config after setup: %w", err)
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddr
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Upstream.BaseURL = serveUpstream
			}
			if cmd.Flags().Changed("production") {
				cfg.Production = serveProduction
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("server config: %w", err)
			}

			level, format := cfg.LogLevel, cfg.LogFormat
			levelSet, formatSet := logFlagsChanged(cmd)
			if levelSet {
				level = logLevel
			}
			if formatSet {
				format = logFormat
			}
			if _, err := logutil.Configure(level, format); err != nil {
				return err
			}
			slog.Info("starting chatrelay", "version", version.String(), "config", serveConfigPath)

			opts := []proxy.Option{proxy.WithLogger(slog.Default())}
			if cmd.Flags().Changed("stream-idle-timeout") {
				opt, err := streamIdleOption(serveStreamIdleTimeout)
				if err != nil {
					return err
				}
				opts = append(opts, opt)
			}
			srv, err := proxy.NewServer(cfg, opts...)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:3000)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Override upstream.base_url from config")
	serveCmd.Flags().BoolVar(&serveProduction, "production", false, "Override production in config")
	serveCmd.Flags().DurationVar(&serveStreamIdleTimeout, "stream-idle-timeout", 0, "Override upstream.stream_idle_timeout_seconds (any positive duration, e.g. 500ms)")
	rootCmd.AddCommand(serveCmd)
}

func streamIdleOption(d time.Duration) (proxy.Option, error) {
	if d <= 0 {
		return nil, fmt.Errorf("--stream-idle-timeout must be positive, got %s", d)
	}
	return proxy.WithStreamIdleTimeout(d), nil
}
