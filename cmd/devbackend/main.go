// Command devbackend serves a simulated access-control backend: the REST
// API, the /ws realtime channel and an /events SSE feed, with a ticker that
// invents detections.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kleeedolinux/entrywatch/debug"
	"github.com/kleeedolinux/entrywatch/realtime"
	"github.com/kleeedolinux/entrywatch/realtime/hub"
)

func main() {
	port := flag.Int("port", 8000, "HTTP server port")
	user := flag.String("user", "admin", "login username")
	password := flag.String("password", "admin123", "login password")
	interval := flag.Duration("interval", 3*time.Second, "time between simulated detections")
	pretty := flag.Bool("pretty", true, "human readable logs")
	flag.Parse()

	if err := debug.Configure("info", *pretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := debug.Component("devbackend")

	srv := newDevServer(logger)
	if err := srv.addUser(*user, *password); err != nil {
		logger.Fatal().Err(err).Msg("Failed to hash password")
	}

	srv.hub.HandleFunc(hub.EventConnect, func(p *hub.Peer, _ realtime.Frame) {
		p.Send(map[string]any{
			"type":    "notification",
			"title":   "Connected",
			"message": fmt.Sprintf("Welcome! You are connected with ID: %s", p.ID()),
			"level":   "info",
		})
	})
	srv.hub.HandleFunc("ping", func(p *hub.Peer, _ realtime.Frame) {
		p.Send(map[string]any{"type": "pong", "timestamp": time.Now().Format(time.RFC3339)})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: srv.router(),
	}

	stop := make(chan struct{})
	go srv.run(*interval, stop)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info().Msg("Shutting down server...")
		close(stop)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.hub.Shutdown(ctx)
		srv.stream.Close()
		httpServer.Shutdown(ctx)
	}()

	logger.Info().Int("port", *port).Str("user", *user).Msg("Dev backend started")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("HTTP server error")
	}
}
