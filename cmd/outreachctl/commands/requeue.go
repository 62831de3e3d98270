package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [queue_item_id]",
	Short: "Schedule a fresh attempt for a failed queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid queue item id %q", args[0])
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.QueueManager.Requeue(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		for _, it := range res.Items {
			fmt.Fprintf(cmd.OutOrStdout(), "queue item %d scheduled for %s\n", it.ID, it.ScheduledFor.Format("2006-01-02 15:04:05 MST"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}
