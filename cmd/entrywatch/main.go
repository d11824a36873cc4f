// Command entrywatch signs in to the access-control backend, keeps the
// realtime channel open and turns detections into alerts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kleeedolinux/entrywatch/config"
	"github.com/kleeedolinux/entrywatch/debug"
	"github.com/kleeedolinux/entrywatch/session"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	user := flag.String("user", "", "username, used when no token is stored")
	password := flag.String("password", "", "password, used when no token is stored")
	refresh := flag.Duration("settings-refresh", 5*time.Minute, "how often to reload alert settings, 0 to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := debug.Configure(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := debug.Component("entrywatch")

	store, err := session.OpenTokenStore(cfg.Session.TokenFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open token store")
	}

	a, err := newAgent(cfg, store, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build agent")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.start(ctx, *user, *password); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}
	logger.Info().Str("backend", cfg.BackendURL).Str("transport", cfg.Realtime.Transport).Msg("Agent started")

	go func() {
		if err := a.session.WatchStore(ctx); err != nil {
			logger.Warn().Err(err).Msg("Token store watch stopped")
		}
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				if err := debug.Configure(next.Log.Level, next.Log.Pretty); err != nil {
					logger.Warn().Err(err).Msg("Ignoring log settings")
				}
				if next.BackendURL != cfg.BackendURL || next.Realtime != cfg.Realtime {
					logger.Warn().Msg("Backend and realtime changes take effect after a restart")
				}
			})
			if err != nil {
				logger.Warn().Err(err).Msg("Config watch stopped")
			}
		}()
	}

	if *refresh > 0 {
		go func() {
			ticker := time.NewTicker(*refresh)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if a.session.Authenticated() {
						a.dispatcher.LoadSettings(ctx, a.session.API())
					}
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")
	a.stop()
}
