// Package main runs a local dispatch server for trying driverd by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/dispatchtest"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	every := 20 * time.Second
	if v := os.Getenv("OFFER_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, "OFFER_EVERY:", err)
			os.Exit(2)
		}
		every = d
	}
	logger := log.NewLogger(os.Stderr).With("module", "fake-dispatch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := dispatchtest.New()
	hs := &http.Server{Addr: ":" + port, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("listening", "addr", hs.Addr, "channel", "ws://localhost:"+port+"/ws")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "err", err)
			stop()
		}
	}()

	t := time.NewTicker(every)
	defer t.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = hs.Shutdown(sctx)
			cancel()
			return
		case <-t.C:
			id := "demo-" + strconv.Itoa(n)
			sent := srv.PushOffer(map[string]any{
				"offerId":     id,
				"pickup_desc": "Central Station",
				"drop_desc":   "Airport T" + strconv.Itoa(1+n%2),
				"price":       fmt.Sprintf("%.2f", 18+float64(n%5)*1.5),
				"distance":    12.4,
				"createdAt":   time.Now().UTC().Format(time.RFC3339),
			})
			logger.Info("offer pushed", "offer", id, "clients", sent)
		}
	}
}
