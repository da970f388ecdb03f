package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/macawsecurity/secureAI/idp/auth0"
	"github.com/macawsecurity/secureAI/idp/keycloak"
)

var (
	kcBaseURL  string
	kcAdmin    string
	kcPassword string
	kcRealm    string
	kcClientID string
	kcRoles    string

	a0Domain     string
	a0Token      string
	a0AppName    string
	a0Identifier string

	idpUsersFile string
)

var idpCmd = &cobra.Command{
	Use:   "idp",
	Short: "Bootstrap identity providers with namespaced custom claims",
}

var idpKeycloakCmd = &cobra.Command{
	Use:   "keycloak",
	Short: "Keycloak provisioning",
}

var idpKeycloakBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Provision the realm, client, claim mappers, roles, and users",
	RunE: func(cmd *cobra.Command, args []string) error {
		var users []keycloak.User
		if err := loadUsersFile(idpUsersFile, &users); err != nil {
			return err
		}

		var roles []string
		if kcRoles != "" {
			roles = strings.Split(kcRoles, ",")
		}

		b := keycloak.NewBootstrapper(keycloak.Config{
			BaseURL:       kcBaseURL,
			AdminUser:     kcAdmin,
			AdminPassword: kcPassword,
			Realm:         kcRealm,
			ClientID:      kcClientID,
			Timeout:       60 * time.Second,
		})
		if err := b.Bootstrap(cmd.Context(), roles, users); err != nil {
			return err
		}
		fmt.Printf("Keycloak realm %q bootstrapped with %d user(s).\n", kcRealm, len(users))
		return nil
	},
}

var idpAuth0Cmd = &cobra.Command{
	Use:   "auth0",
	Short: "Auth0 provisioning",
}

var idpAuth0BootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Provision the application, API, claims Action, and users",
	RunE: func(cmd *cobra.Command, args []string) error {
		var users []auth0.User
		if err := loadUsersFile(idpUsersFile, &users); err != nil {
			return err
		}

		b := auth0.NewBootstrapper(auth0.Config{
			Domain:          a0Domain,
			ManagementToken: a0Token,
			AppName:         a0AppName,
			APIIdentifier:   a0Identifier,
			Timeout:         60 * time.Second,
		})
		if err := b.Bootstrap(cmd.Context(), users); err != nil {
			return err
		}
		fmt.Printf("Auth0 tenant %q bootstrapped with %d user(s).\n", a0Domain, len(users))
		return nil
	},
}

// loadUsersFile decodes the optional --users JSON file into the
// provider-specific user slice.
func loadUsersFile(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse users file %s: %w", path, err)
	}
	return nil
}

func init() {
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcBaseURL, "base-url", "http://localhost:8081", "Keycloak base URL")
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcAdmin, "admin", "admin", "admin username (master realm)")
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcPassword, "password", "", "admin password")
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcRealm, "realm", "macaw", "realm to provision")
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcClientID, "client-id", "macaw", "OIDC client ID")
	idpKeycloakBootstrapCmd.Flags().StringVar(&kcRoles, "roles", "", "comma-separated realm roles to create")
	idpKeycloakBootstrapCmd.Flags().StringVar(&idpUsersFile, "users", "", "JSON file with users to provision")
	idpKeycloakBootstrapCmd.MarkFlagRequired("password")

	idpAuth0BootstrapCmd.Flags().StringVar(&a0Domain, "domain", "", "Auth0 tenant domain")
	idpAuth0BootstrapCmd.Flags().StringVar(&a0Token, "token", "", "Management API token")
	idpAuth0BootstrapCmd.Flags().StringVar(&a0AppName, "app-name", "macaw", "application name")
	idpAuth0BootstrapCmd.Flags().StringVar(&a0Identifier, "api-identifier", "https://macaw.local/api", "API identifier (audience)")
	idpAuth0BootstrapCmd.Flags().StringVar(&idpUsersFile, "users", "", "JSON file with users to provision")
	idpAuth0BootstrapCmd.MarkFlagRequired("domain")
	idpAuth0BootstrapCmd.MarkFlagRequired("token")

	idpKeycloakCmd.AddCommand(idpKeycloakBootstrapCmd)
	idpAuth0Cmd.AddCommand(idpAuth0BootstrapCmd)
	idpCmd.AddCommand(idpKeycloakCmd, idpAuth0Cmd)
	rootCmd.AddCommand(idpCmd)
}
