package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/macawsecurity/secureAI/config"
	"github.com/macawsecurity/secureAI/identity"
)

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in against the configured identity provider and save the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClientConfig()
		if err != nil {
			return err
		}
		if cfg.IdentityProvider.TokenURL == "" {
			return fmt.Errorf("no identity provider configured; set identity_provider.token_url in the client config")
		}

		password := loginPassword
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		provider := identity.NewRemoteProvider(identity.RemoteProviderConfig{
			TokenURL:     cfg.IdentityProvider.TokenURL,
			ClientID:     cfg.IdentityProvider.ClientID,
			ClientSecret: cfg.IdentityProvider.ClientSecret,
			Audience:     cfg.IdentityProvider.Audience,
		})

		pair, err := provider.Login(cmd.Context(), loginUsername, password)
		if err != nil {
			return err
		}

		cfg.UserName = loginUsername
		cfg.IAMToken = pair.AccessToken
		if err := config.SaveClientConfig(cfg); err != nil {
			return err
		}

		if pair.ExpiresIn > 0 {
			expires := time.Now().Add(time.Duration(pair.ExpiresIn) * time.Second)
			fmt.Printf("Logged in as %s (token expires %s).\n", loginUsername, expires.Format(time.RFC3339))
		} else {
			fmt.Printf("Logged in as %s.\n", loginUsername)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username to log in as")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")
	loginCmd.MarkFlagRequired("username")
	rootCmd.AddCommand(loginCmd)
}
