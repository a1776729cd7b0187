package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"driverlink/internal/agent"
	"driverlink/internal/metrics"
	"driverlink/internal/model"
	"driverlink/internal/notice"
	"driverlink/internal/offer"
	"driverlink/internal/output"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		interactive bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and handle offers until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.InOrStdin(), interactive, metricsAddr)
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer offers from stdin (a=accept, r=reject, s=status, q=quit)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) run(ctx context.Context, in io.Reader, interactive bool, metricsAddr string) error {
	metrics.RegisterDefault()
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		a.logger.Info("serving metrics", "addr", metricsAddr)
	}

	ag := agent.New(a.cfg, agent.Deps{Sound: bell{w: a.ui.Out}}, a.logger)
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer ag.Stop()

	st := ag.Status()
	a.ui.Success("signed in as %s (%s)", output.Bold(st.Identity.UserID), st.Identity.Name)

	notices, unsub := ag.Notices()
	defer unsub()

	var lines <-chan string
	if interactive {
		lines = readLines(ctx, in)
		a.ui.Info("commands: a=accept  r=reject  s=status  c=reconnect  q=quit")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			a.showNotice(n)
		case s := <-ag.Offers():
			a.showOffer(s)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if quit := a.command(ctx, ag, line); quit {
				return nil
			}
		}
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func (a *app) command(ctx context.Context, ag *agent.Agent, line string) bool {
	var err error
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "a", "accept":
		err = ag.Accept(ctx)
	case "r", "reject":
		err = ag.Reject(ctx)
	case "s", "status":
		a.showStatus(ag.Status())
	case "c", "reconnect":
		if !ag.ForceReconnect() {
			a.ui.Warning("not connected")
		}
	case "q", "quit":
		return true
	case "":
	default:
		a.ui.Warning("unknown command %q", line)
	}
	if errors.Is(err, offer.ErrNoPendingOffer) {
		a.ui.Warning("no offer to answer")
	} else if err != nil {
		a.ui.Error("%v", err)
	}
	return false
}

func (a *app) showOffer(s offer.Snapshot) {
	if s.Offer == nil {
		return
	}
	o := s.Offer
	switch s.State {
	case offer.Pending:
		if s.Message != "" {
			a.ui.Warning("%s", s.Message)
			return
		}
		a.ui.Info("offer %s: %s to %s, %.2f (%s left)",
			output.Bold(o.ID), o.Payload.PickupDesc, o.Payload.DropDesc, float64(o.Payload.Price),
			s.Remaining(time.Now()).Round(time.Second))
	case offer.Deciding:
		a.ui.Info("offer %s: sending %s", o.ID, s.Decision)
	case offer.Resolved:
		a.ui.Info("offer %s: %s", o.ID, output.StatusColor(string(o.Status)))
	}
}

func (a *app) showNotice(n notice.Notice) {
	switch n.Kind {
	case notice.KindSessionFailed, notice.KindLostRace:
		a.ui.Error("%s", n.Message)
	case notice.KindReconnecting, notice.KindUnreachable:
		a.ui.Warning("%s", n.Message)
	case notice.KindConnected:
		a.ui.Success("%s", n.Message)
	}
}

func (a *app) showStatus(s agent.Status) {
	sess := s.Session
	a.ui.Info("session %s via %s, attempt %d", output.StatusColor(string(sess.State)), sess.TransportName, sess.ReconnectAttempt)
	if sess.ConnectedAt != nil {
		a.ui.Info("connected since %s (id %s)", sess.ConnectedAt.Local().Format(time.TimeOnly), sess.ID)
	}
	if sess.LastError != "" {
		a.ui.Info("last error: %s", sess.LastError)
	}
	a.ui.Info("network %s reachable=%t, heartbeat rtt %s missed %d",
		s.Network.TransportType, s.Network.Reachable, s.Heartbeat.LastRTT.Round(time.Millisecond), s.Heartbeat.MissedPongCount)
	a.ui.Info("offer state %s", output.StatusColor(s.Offer.State.String()))
}

// bell rings the terminal when an offer arrives.
type bell struct{ w io.Writer }

func (b bell) OfferArrived(model.Offer) { fmt.Fprint(b.w, "\a") }

func readLines(ctx context.Context, in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
