package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"driverlink/internal/model"
	"driverlink/internal/output"
	"driverlink/internal/store"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resolved offers from the local ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(a.cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			recs, err := st.ListOffers(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return a.renderHistory(cmd.OutOrStdout(), format, recs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of offers to show")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func (a *app) renderHistory(w io.Writer, format string, recs []model.OfferRecord) error {
	if recs == nil {
		recs = []model.OfferRecord{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(recs)
	case "table":
		a.ui.Out = w
		if len(recs) == 0 {
			a.ui.Info("no resolved offers")
			return nil
		}
		table := a.ui.Table([]string{"Resolved", "Offer", "Status", "Source", "Route", "Price"})
		for _, r := range recs {
			row := []string{
				r.ResolvedAt.Local().Format(time.DateTime),
				r.OfferID,
				output.StatusColor(string(r.Status)),
				string(r.Source),
				r.PickupDesc + " → " + r.DropDesc,
				fmt.Sprintf("%.2f", r.Price),
			}
			if err := table.Append(row); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
