package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/macawsecurity/secureAI/client"
	"github.com/macawsecurity/secureAI/domain"
)

var (
	attStatus string
	attAs     string
	attReason string
)

var attestationsCmd = &cobra.Command{
	Use:     "attestations",
	Aliases: []string{"att"},
	Short:   "List and decide pending attestations",
}

var attestationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attestations",
	RunE: func(cmd *cobra.Command, args []string) error {
		sdk, err := cliClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		atts, err := sdk.ListAttestations(ctx, domain.AttestationStatus(attStatus))
		if err != nil {
			return err
		}
		if len(atts) == 0 {
			fmt.Println("No attestations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSTATUS\tAGENT\tCRITERIA\tEXPIRES")
		for _, a := range atts {
			expires := "-"
			if a.ExpiresAt != nil {
				expires = a.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.AttestationID, a.Key, a.Status, a.ForAgent, a.ApprovalCriteria, expires)
		}
		return w.Flush()
	},
}

var attestationsApproveCmd = &cobra.Command{
	Use:   "approve <attestation-id>",
	Short: "Approve an attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideAttestation(cmd.Context(), args[0], true)
	},
}

var attestationsDenyCmd = &cobra.Command{
	Use:   "deny <attestation-id>",
	Short: "Deny an attestation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideAttestation(cmd.Context(), args[0], false)
	},
}

func decideAttestation(ctx context.Context, attestationID string, approve bool) error {
	sdk, err := cliClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if approve {
		err = sdk.ApproveAttestation(ctx, attestationID, attReason)
	} else {
		err = sdk.DenyAttestation(ctx, attestationID, attReason)
	}
	if err != nil {
		return err
	}
	verb := "approved"
	if !approve {
		verb = "denied"
	}
	fmt.Printf("Attestation %s %s.\n", attestationID, verb)
	return nil
}

// cliClient builds an SDK client for CLI use. The --as flag overrides the
// identity saved by `macaw login`.
func cliClient() (*client.Client, error) {
	opts := []client.Option{}
	if url, err := controlPlaneURL(); err == nil && url != "" {
		opts = append(opts, client.WithBaseURL(url))
	}
	if attAs != "" {
		opts = append(opts, client.WithUser(attAs, savedToken()))
	}
	return client.New("macaw-cli", opts...)
}

func init() {
	attestationsListCmd.Flags().StringVar(&attStatus, "status", "", "filter by status (PENDING, GRANTED, DENIED, CONSUMED, EXPIRED)")

	for _, cmd := range []*cobra.Command{attestationsApproveCmd, attestationsDenyCmd} {
		cmd.Flags().StringVar(&attAs, "as", "", "decide as this user (defaults to the logged-in user)")
		cmd.Flags().StringVar(&attReason, "reason", "", "reason recorded with the decision")
	}

	attestationsCmd.AddCommand(attestationsListCmd, attestationsApproveCmd, attestationsDenyCmd)
	rootCmd.AddCommand(attestationsCmd)
}
