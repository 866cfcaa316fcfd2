package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/llmclient"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"github.com/spf13/cobra"
)

var clientConfigPath string

func init() {
	var (
		email            string
		password         string
		username         string
		googleCredential string
		upstreamURL      string
		register         bool
	)
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the chat API and store the credential pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			if cmd.Flags().Changed("upstream") {
				cfg.UpstreamURL = upstreamURL
				cfg.Normalize()
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			kind := upstream.AuthLogin
			body := map[string]string{}
			switch {
			case googleCredential != "":
				kind = upstream.AuthGoogle
				body["credential"] = googleCredential
			case strings.TrimSpace(email) == "":
				return errors.New("--email is required")
			default:
				if password == "" {
					if password, err = promptLine(cmd, "Password: "); err != nil {
						return err
					}
				}
				body["email"] = strings.TrimSpace(email)
				body["password"] = password
				if register {
					kind = upstream.AuthRegister
					if username != "" {
						body["username"] = username
					}
				}
			}
			payload, err := json.Marshal(body)
			if err != nil {
				return err
			}

			s, err := llmclient.NewSession(cfg)
			if err != nil {
				return err
			}
			if err := s.Login(cmd.Context(), kind, payload); err != nil {
				return fmt.Errorf("%s failed: %w", kind, err)
			}
			pair := s.Credentials()
			cfg.Access, cfg.Refresh = pair.Access, pair.Refresh
			if err := config.Save(clientConfigPath, cfg); err != nil {
				return fmt.Errorf("save client config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s\n", cfg.UpstreamURL)
			return nil
		},
	}
	loginCmd.Flags().StringVar(&clientConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")
	loginCmd.Flags().StringVar(&upstreamURL, "upstream", "", "Upstream API base URL to log in to (saved to the client config)")
	loginCmd.Flags().StringVar(&email, "email", "", "Account email")
	loginCmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	loginCmd.Flags().BoolVar(&register, "register", false, "Create the account instead of logging in")
	loginCmd.Flags().StringVar(&username, "username", "", "Username for --register")
	loginCmd.Flags().StringVar(&googleCredential, "google-credential", "", "Log in with a Google ID token instead of a password")
	rootCmd.AddCommand(loginCmd)

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			cfg.Access, cfg.Refresh = "", ""
			return config.Save(clientConfigPath, cfg)
		},
	}
	logoutCmd.Flags().StringVar(&clientConfigPath, "config", config.DefaultClientConfigPath(), "Client config TOML path")
	rootCmd.AddCommand(logoutCmd)
}

func promptLine(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	in := bufio.NewScanner(cmd.InOrStdin())
	if !in.Scan() {
		if err := in.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no input")
	}
	return strings.TrimRight(in.Text(), "\r\n"), nil
}
