package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-dispatch/internal/service"
)

var dispatchLimit int

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run the dispatcher once in this process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Dispatcher()
		if err != nil {
			return err
		}
		limit := dispatchLimit
		if limit <= 0 {
			limit = a.Config.Dispatch.BatchLimit
		}
		res, err := d.Process(cmd.Context(), limit)
		if res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "sent=%d failed=%d skipped=%d\n", res.Sent, res.Failed, res.Skipped)
		}
		return err
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Publish a dispatch request for the workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.OpenQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		req := service.NewDispatchRequest(dispatchLimit, time.Now())
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := q.Publish(cmd.Context(), service.DispatchTopic, body); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published dispatch run %s\n", req.RunID)
		return nil
	},
}

func init() {
	dispatchCmd.Flags().IntVarP(&dispatchLimit, "limit", "n", 0, "Maximum items to process (default DISPATCH_BATCH_LIMIT)")
	triggerCmd.Flags().IntVarP(&dispatchLimit, "limit", "n", 0, "Maximum items the worker should process")
	rootCmd.AddCommand(dispatchCmd, triggerCmd)
}
