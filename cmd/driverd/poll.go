package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"driverlink/internal/api"
	"driverlink/internal/auth"
	"driverlink/internal/model"
	"driverlink/internal/poll"
)

type pollRide struct {
	OfferID  string  `json:"offerId" yaml:"offerId"`
	Pickup   string  `json:"pickup" yaml:"pickup"`
	Drop     string  `json:"drop" yaml:"drop"`
	Price    float64 `json:"price" yaml:"price"`
	Distance float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
	Duration float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type pollOutput struct {
	DriverID     string     `json:"driverId" yaml:"driverId"`
	DriverStatus string     `json:"driverStatus,omitempty" yaml:"driverStatus,omitempty"`
	Message      string     `json:"message,omitempty" yaml:"message,omitempty"`
	Rides        []pollRide `json:"rides" yaml:"rides"`
}

// collect keeps what a one-shot poll returns.
type collect []model.OfferPayload

func (c *collect) DeliverPolled(p model.OfferPayload) { *c = append(*c, p) }

func newPollCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Ask the dispatch server once for open offers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			token, err := auth.LoadToken(a.cfg.Auth.Token, a.cfg.Auth.TokenFile)
			if err != nil {
				return err
			}
			client := api.New(a.cfg.Server.APIBase, api.WithTokenSource(api.StaticToken(token)), api.WithLogger(a.logger))
			id, err := auth.Resolve(ctx, token, a.cfg.Auth.WorkerID, a.cfg.Server.UserType, client)
			if err != nil {
				return err
			}

			var got collect
			p := poll.New(poll.Options{DriverID: id.UserID, Timeout: a.cfg.Poll.Timeout}, client, &got, nil, a.logger)
			res, err := p.Once(ctx)
			if err != nil {
				return err
			}
			out := pollOutput{DriverID: id.UserID, DriverStatus: res.DriverStatus, Message: res.Message, Rides: []pollRide{}}
			for _, r := range got {
				out.Rides = append(out.Rides, pollRide{
					OfferID:  r.ID(),
					Pickup:   r.PickupDesc,
					Drop:     r.DropDesc,
					Price:    float64(r.Price),
					Distance: float64(r.Distance),
					Duration: float64(r.Duration),
				})
			}
			return a.renderPoll(cmd.OutOrStdout(), format, out)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

func (a *app) renderPoll(w io.Writer, format string, out pollOutput) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(out)
	case "table":
		a.ui.Out = w
		if out.DriverStatus != "" {
			a.ui.Info("driver status: %s", out.DriverStatus)
		}
		if len(out.Rides) == 0 {
			a.ui.Info("no open offers")
			return nil
		}
		table := a.ui.Table([]string{"Offer", "Pickup", "Drop", "Price"})
		for _, r := range out.Rides {
			if err := table.Append([]string{r.OfferID, r.Pickup, r.Drop, fmt.Sprintf("%.2f", r.Price)}); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
