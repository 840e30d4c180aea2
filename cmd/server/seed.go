package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/lead-exchange/payments"
	"github.com/warp/lead-exchange/scenarios"
)

func seedCommand(a *app) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "seed [scenario]",
		Short: "Load a demo scenario into an empty database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if list || len(args) == 0 {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, s := range scenarios.List() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Category, s.Description)
				}
				return w.Flush()
			}

			store, closeStore, err := openStore(cmd.Context(), a.cnf, a.log)
			if err != nil {
				return err
			}
			defer closeStore()

			// Demo payouts never touch Stripe, even when a key is configured.
			loader := scenarios.NewLoader(store, payments.NewSimulatedProcessor(a.log), a.log)
			return loader.Load(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list available scenarios")
	return cmd
}
