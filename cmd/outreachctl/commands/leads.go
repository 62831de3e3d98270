package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-dispatch/internal/service"
)

var (
	leadsFile     string
	leadsQuery    string
	leadsCampaign int64
	leadsDryRun   bool
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Gate leads from a JSON file and import the admitted ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if leadsFile == "" {
			return fmt.Errorf("--file is required")
		}
		if !leadsDryRun && leadsCampaign <= 0 {
			return fmt.Errorf("--campaign is required unless --dry-run is set")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		source := &service.FileLeadSource{Path: leadsFile}
		if leadsDryRun {
			return gateDryRun(ctx, cmd.OutOrStdout(), a.Gate, source)
		}
		a.LeadService.Source = source
		res, err := a.LeadService.SourceAndImport(ctx, leadsCampaign, leadsQuery)
		if err != nil {
			return err
		}
		printGate(cmd.OutOrStdout(), res.Gate)
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

func gateDryRun(ctx context.Context, out io.Writer, gate *service.Gate, source service.LeadSource) error {
	leads, err := source.Search(ctx, leadsQuery)
	if err != nil {
		return err
	}
	res, err := gate.Filter(ctx, leads)
	if err != nil {
		return err
	}
	printGate(out, res)
	return nil
}

func printGate(out io.Writer, res *service.GateResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tRESULT")
	for _, l := range res.Admitted {
		fmt.Fprintf(w, "%s\tadmitted\n", l.Email)
	}
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "%s\t%s\n", r.Email, r.Reason)
	}
	w.Flush()
	if res.Unevaluated > 0 {
		fmt.Fprintf(out, "%d leads not evaluated (cap reached)\n", res.Unevaluated)
	}
}

func init() {
	gateCmd.Flags().StringVarP(&leadsFile, "file", "f", "", "JSON array of leads")
	gateCmd.Flags().StringVarP(&leadsQuery, "query", "q", "", "Only consider leads matching this text")
	gateCmd.Flags().Int64VarP(&leadsCampaign, "campaign", "c", 0, "Campaign to import into")
	gateCmd.Flags().BoolVar(&leadsDryRun, "dry-run", false, "Print the gate decision without importing")
	rootCmd.AddCommand(gateCmd)
}
