package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/macawsecurity/secureAI/config"
)

var (
	// Global flags
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "macaw",
	Short: "Macaw - policy enforcement and audit for AI agents",
	Long: `Macaw routes LLM and tool traffic through a policy enforcement point,
providing intent policies, human attestation workflows, hierarchical
usage policy, and an append-only audit trail.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "control plane URL (default from ~/.macaw/config.json)")
}

// controlPlaneURL resolves the control plane base URL from the flag or the
// client config file.
func controlPlaneURL() (string, error) {
	if serverURL != "" {
		return strings.TrimSuffix(serverURL, "/"), nil
	}
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(cfg.ControlPlaneURL, "/"), nil
}
