package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/config"
	"github.com/kleeedolinux/entrywatch/liveview"
	"github.com/kleeedolinux/entrywatch/notify"
	"github.com/kleeedolinux/entrywatch/realtime"
	"github.com/kleeedolinux/entrywatch/realtime/transport"
	"github.com/kleeedolinux/entrywatch/session"
)

// agent wires a session to the live board and the notification pipeline.
type agent struct {
	cfg        *config.Config
	session    *session.Session
	board      *liveview.Board
	inbox      *notify.Inbox
	dispatcher *notify.Dispatcher
	unbind     func()
	logger     zerolog.Logger
}

// transportFactory builds a fresh transport per connection from cfg.
func transportFactory(cfg config.RealtimeConfig) session.TransportFactory {
	if cfg.Transport == "eventsource" {
		return func() realtime.Transport {
			return transport.NewEventSourceTransport(transport.WithStreamReadTimeout(cfg.ReadTimeout))
		}
	}
	return func() realtime.Transport {
		return transport.NewWebSocketTransport(
			transport.WithReadTimeout(cfg.ReadTimeout),
			transport.WithWriteTimeout(cfg.WriteTimeout),
			transport.WithCompression(cfg.Compression),
		)
	}
}

func newAgent(cfg *config.Config, store *session.TokenStore, logger zerolog.Logger, sender notify.Sender) (*agent, error) {
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}

	sess, err := session.New(cfg.BackendURL, store,
		session.WithEndpoint(endpoint),
		session.WithTransportFactory(transportFactory(cfg.Realtime)),
		session.WithClientOptions(
			realtime.WithRetryPolicy(cfg.Realtime.Retry.Policy()),
			realtime.WithSendBuffer(cfg.Realtime.SendBuffer),
		),
		session.WithLogger(logger.With().Str("component", "session").Logger()),
	)
	if err != nil {
		return nil, err
	}

	a := &agent{
		cfg:     cfg,
		session: sess,
		inbox:   notify.NewInbox(),
		logger:  logger,
	}

	a.board = liveview.NewBoard(
		liveview.WithLogger(logger.With().Str("component", "liveview").Logger()),
		liveview.WithUpdateHook(func(cameraID int, detections []liveview.Detection) {
			verified, unknown := a.board.Counts(cameraID)
			a.logger.Info().Int("camera", cameraID).Int("verified", verified).Int("unknown", unknown).Msg("Detections updated")
		}),
	)

	opts := []notify.Option{
		notify.WithRetries(cfg.Notify.EmailRetries, notify.DefaultRetryDelay),
		notify.WithLogger(logger.With().Str("component", "notify").Logger()),
	}
	if sender != nil {
		opts = append(opts, notify.WithSender(sender))
	}
	a.dispatcher = notify.NewDispatcher(a.inbox, opts...)

	return a, nil
}

// start binds the consumers, signs in and loads settings. A stored token is
// preferred; username and password are only used when none is stored.
func (a *agent) start(ctx context.Context, username, password string) error {
	reg := a.session.Registry()

	if err := a.board.Attach(reg); err != nil {
		return err
	}
	unbind, err := notify.Bind(reg, a.dispatcher, a.inbox)
	if err != nil {
		return err
	}
	a.unbind = unbind

	if _, err := reg.Subscribe(realtime.Wildcard, func(f realtime.Frame) {
		a.logger.Debug().Str("type", f.Type).Msg("Frame received")
	}); err != nil {
		return err
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}

	restored, err := a.session.Restore()
	if err != nil {
		return err
	}
	if !restored {
		if username == "" || password == "" {
			return errors.New("no stored token; -user and -password are required")
		}
		if err := a.session.Login(ctx, username, password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	if err := a.dispatcher.LoadSettings(ctx, a.session.API()); err != nil {
		a.logger.Warn().Err(err).Msg("Running with alerts disabled until settings load")
	}
	return nil
}

// stop closes the channel and the consumers. The token stays stored.
func (a *agent) stop() {
	a.session.Close()
	if a.unbind != nil {
		a.unbind()
	}
	a.board.Detach()
	a.dispatcher.Stop()
}
