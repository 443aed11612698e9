package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/arrivals/api"
	"tidbyt.dev/arrivals/config"
	"tidbyt.dev/arrivals/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves nearby stops and schedules over HTTP",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var addr string

func init() {
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	c, index, err := LoadCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	m := metrics.NewCollector()
	c.Instrument(m)

	go c.PurgeLoop(ctx, cfg.Engine.CacheTTL)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(c, m.Handler()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", addr)
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
