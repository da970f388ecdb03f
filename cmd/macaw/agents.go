package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/macawsecurity/secureAI/config"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect registered agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := controlPlaneURL()
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/v1/agents", nil)
		if err != nil {
			return err
		}
		if token := savedToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("control plane unreachable: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("list agents failed [%d]: %s", resp.StatusCode, string(body))
		}

		var payload struct {
			Agents []struct {
				AgentID         string `json:"agent_id"`
				Name            string `json:"name"`
				AppName         string `json:"app_name"`
				Kind            string `json:"kind"`
				Status          string `json:"status"`
				UserName        string `json:"user_name"`
				LastHeartbeatAt int64  `json:"last_heartbeat_at"`
			} `json:"agents"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if len(payload.Agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tAPP\tKIND\tSTATUS\tUSER\tLAST HEARTBEAT")
		for _, a := range payload.Agents {
			hb := "-"
			if a.LastHeartbeatAt > 0 {
				hb = time.UnixMilli(a.LastHeartbeatAt).Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				a.AgentID, a.Name, a.AppName, a.Kind, a.Status, a.UserName, hb)
		}
		return w.Flush()
	},
}

// savedToken returns the access token persisted by `macaw login`, if any.
func savedToken() string {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return ""
	}
	return cfg.IAMToken
}

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}
