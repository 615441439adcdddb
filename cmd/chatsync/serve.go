package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hirelane/chatsync/internal/devserver"
)

var (
	serveAddr   string
	serveNoSeed bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveNoSeed, "empty", false, "Start without demo rooms")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory chat backend for local development",
	Long:  "Run an in-memory chat backend. Unless --empty is given it is seeded with room-1\n(cand-1, rec-1) and room-2 (cand-2, rec-1); a user's token is their ID.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		srv := devserver.New(devserver.WithLogger(logger))
		if !serveNoSeed {
			srv.Seed()
		}

		httpSrv := &http.Server{
			Addr:              serveAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", serveAddr).Msg("dev server listening")
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		srv.DropConnections()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
