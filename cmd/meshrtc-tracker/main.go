// Command meshrtc-tracker runs the websocket signaling tracker that meshrtc
// peers use to discover each other and exchange session descriptions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilsonzlin/meshrtc/internal/config"
	"github.com/wilsonzlin/meshrtc/internal/stats"
	"github.com/wilsonzlin/meshrtc/internal/tracker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meshrtc-tracker",
		"listen_addr", cfg.ListenAddr,
		"join_timeout", cfg.JoinTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"max_message_bytes", cfg.MaxMessageBytes,
		"messages_per_second", cfg.MessagesPerSecond,
		"max_peers_per_room", cfg.MaxPeersPerRoom,
	)

	counters := stats.New()
	trk := tracker.New(tracker.Config{
		JoinTimeout:       cfg.JoinTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		PingInterval:      cfg.PingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: int64(cfg.MessagesPerSecond),
		MaxPeersPerRoom:   cfg.MaxPeersPerRoom,
		Logger:            logger,
		Stats:             counters,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /ws", trk)
	mux.Handle("GET /metrics", stats.PrometheusHandler(counters))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
