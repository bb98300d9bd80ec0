package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Shows per-state job counts for the relay queues",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()

		counts := make(map[string]any)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tDEAD")

		for _, name := range []string{"messages", "webhooks"} {
			store, cleanup, err := openStore(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to open queue %s: %w", name, err)
			}
			st, err := store.Stats(ctx)
			cleanup()
			if err != nil {
				return fmt.Errorf("failed to read stats for %s: %w", name, err)
			}

			counts[name] = st
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
				name, st.Waiting, st.Active, st.Delayed, st.Completed, st.Dead)
		}

		if statsJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(counts)
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output stats as JSON")
	rootCmd.AddCommand(statsCmd)
}
