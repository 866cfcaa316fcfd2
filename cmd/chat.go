package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/llmclient"
	"github.com/spf13/cobra"
)

func init() {
	var (
		character      string
		conversationID string
		noCache        bool
	)
	chatCmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message and stream the reply",
		Long:  "Send a message and stream the reply. Without arguments, read one message per line from stdin.",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(clientConfigPath)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no client config at %s; run chatrelay login first", clientConfigPath)
			}
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			if !cmd.Flags().Changed("character") {
				character = cfg.Character
			}

			opts := []llmclient.Option{llmclient.WithConversationID(conversationID)}
			if !noCache {
				cc, err := llmclient.OpenConversationCache(config.DefaultConversationCachePath(), llmclient.DefaultConversationTTL)
				if err != nil {
					slog.Warn("ignoring unreadable conversation cache", "error", err)
				} else {
					opts = append(opts, llmclient.WithConversationCache(cc))
				}
			}
			s, err := llmclient.NewSession(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			before := s.Credentials()
			defer func() {
				after := s.Credentials()
				if after == before {
					return
				}
				cfg.Access, cfg.Refresh = after.Access, after.Refresh
				if err := config.Save(clientConfigPath, cfg); err != nil {
					slog.Warn("could not save refreshed credentials", "error", err)
				}
			}()

			out := cmd.OutOrStdout()
			send := func(prompt string) error {
				tr, err := s.Send(ctx, character, prompt, func(delta string) { fmt.Fprint(out, delta) })
				if tr != nil && tr.Frames > 0 {
					fmt.Fprintln(out)
				}
				if err != nil {
					return err
				}
				slog.Debug("reply complete", "message_id", tr.MessageID, "frames", tr.Frames)
				return nil
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}
			return chatLoop(ctx.Done(), cmd.InOrStdin(), cmd.ErrOrStderr(), send)
		},
	}
	chatCmd.Flags().StringVar(&clientConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")
	chatCmd.Flags().StringVar(&character, "character", config.DefaultCharacter, "Character to talk to (default from client config)")
	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "Use this conversation id instead of looking one up")
	chatCmd.Flags().BoolVar(&noCache, "no-cache", false, "Do not remember conversation ids between runs")
	rootCmd.AddCommand(chatCmd)
}

// chatLoop sends each non-empty input line until EOF, /quit or done.
// Failed sends are reported and the loop continues.
func chatLoop(done <-chan struct{}, in io.Reader, errOut io.Writer, send func(string) error) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(errOut, "> ")
		if !sc.Scan() {
			fmt.Fprintln(errOut)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := send(line); err != nil {
			select {
			case <-done:
				return err
			default:
			}
			fmt.Fprintln(errOut, "error:", err)
		}
	}
}
