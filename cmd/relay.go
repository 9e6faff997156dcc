package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/config"
	"github.com/ReiletaI/callguard/internal/logging"
	"github.com/ReiletaI/callguard/internal/relay"
	"github.com/ReiletaI/callguard/internal/signaling"
)

var flagRelayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a self-hosted signaling relay",
	Long: `Serve rooms from memory over websockets, for running without Firestore.
Point agents and clients at it with --driver relay --relay-url ws://HOST:PORT/ws.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(opts)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logging.Init(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Format: "json"})
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		defer func() { _ = log.Sync() }()

		return runRelay(cmd.Context(), flagRelayAddr, log)
	},
}

func runRelay(ctx context.Context, addr string, log *zap.Logger) error {
	hub := signaling.NewHub(signaling.WithHubLogger(log.Named("hub")))
	go hub.Run()
	defer hub.Close()

	server := relay.NewServer(hub, log.Named("relay"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("relay listening", zap.String("addr", addr))
	fmt.Printf("Relay listening on ws://%s/ws\n", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("relay stopped")
	return nil
}

func init() {
	relayCmd.Flags().StringVar(&flagRelayAddr, "addr", "localhost:8080", "listen address")
	rootCmd.AddCommand(relayCmd)
}
