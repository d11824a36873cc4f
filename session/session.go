// Package session owns the bearer credential and the realtime channel
// that depends on it.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/backend"
	"github.com/kleeedolinux/entrywatch/debug"
	"github.com/kleeedolinux/entrywatch/realtime"
	"github.com/kleeedolinux/entrywatch/realtime/transport"
)

// TokenKey is the store key holding the bearer token.
const TokenKey = "auth_token"

var ErrNotLoggedIn = errors.New("session: not logged in")

type TransportFactory func() realtime.Transport

// Session holds at most one token and, while it does, one realtime client.
// Subscriptions live on the session's registry and survive logout.
type Session struct {
	mu     sync.Mutex
	token  string
	client *realtime.Client

	store        *TokenStore
	api          *backend.Client
	registry     *realtime.Registry
	endpoint     string
	newTransport TransportFactory
	clientOpts   []realtime.ClientOption
	httpClient   *http.Client
	logger       zerolog.Logger
}

type Option func(*Session)

// WithEndpoint overrides the realtime endpoint derived from the base URL.
func WithEndpoint(endpoint string) Option {
	return func(s *Session) {
		s.endpoint = endpoint
	}
}

func WithTransportFactory(f TransportFactory) Option {
	return func(s *Session) {
		s.newTransport = f
	}
}

// WithClientOptions are applied to every realtime client the session
// creates. The registry and reject handler are always the session's own.
func WithClientOptions(opts ...realtime.ClientOption) Option {
	return func(s *Session) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

func WithRegistry(r *realtime.Registry) Option {
	return func(s *Session) {
		s.registry = r
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Session) {
		s.httpClient = hc
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func New(baseURL string, store *TokenStore, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: nil token store")
	}

	s := &Session{
		store:        store,
		newTransport: func() realtime.Transport { return transport.NewWebSocketTransport() },
		logger:       debug.Component("session"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = realtime.NewRegistry()
		s.registry.SetLogger(s.logger)
	}
	if s.endpoint == "" {
		endpoint, err := realtime.EndpointFromBase(baseURL, "")
		if err != nil {
			return nil, err
		}
		s.endpoint = endpoint
	}

	apiOpts := []backend.Option{backend.WithTokenSource(s), backend.WithLogger(s.logger)}
	if s.httpClient != nil {
		apiOpts = append(apiOpts, backend.WithHTTPClient(s.httpClient))
	}
	api, err := backend.New(baseURL, apiOpts...)
	if err != nil {
		return nil, err
	}
	s.api = api

	return s, nil
}

// Token implements realtime.Credentials and backend.TokenSource.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *Session) Authenticated() bool {
	_, ok := s.Token()
	return ok
}

// API returns the REST client authenticated by this session.
func (s *Session) API() *backend.Client {
	return s.api
}

func (s *Session) Registry() *realtime.Registry {
	return s.registry
}

// Client returns the live realtime client, or nil when logged out.
func (s *Session) Client() *realtime.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Send forwards payload to the realtime channel.
func (s *Session) Send(payload any) error {
	c := s.Client()
	if c == nil {
		return ErrNotLoggedIn
	}
	return c.Send(payload)
}

// Restore adopts a token left in the store by a previous run and opens the
// channel. It reports whether a token was found.
func (s *Session) Restore() (bool, error) {
	token, ok := s.store.Get(TokenKey)
	if !ok || token == "" {
		return false, nil
	}

	s.logger.Info().Msg("Restoring stored session")
	return true, s.adopt(token)
}

func (s *Session) Login(ctx context.Context, username, password string) error {
	tok, err := s.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	s.logger.Info().Str("user", username).Msg("Logged in")
	if err := s.adopt(tok.AccessToken); err != nil {
		return err
	}
	if err := s.store.Set(TokenKey, tok.AccessToken); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist token")
	}
	return nil
}

// adopt installs token and opens a fresh channel so the next handshake
// carries it.
func (s *Session) adopt(token string) error {
	s.mu.Lock()
	s.token = token
	old := s.client
	s.client = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return s.connect()
}

func (s *Session) connect() error {
	opts := make([]realtime.ClientOption, 0, len(s.clientOpts)+3)
	opts = append(opts, realtime.WithLogger(s.logger))
	opts = append(opts, s.clientOpts...)
	var c *realtime.Client
	opts = append(opts, realtime.WithRegistry(s.registry), realtime.WithRejectHandler(func(err error) {
		s.expire(c, err)
	}))

	c = realtime.NewClient(s.newTransport(), opts...)

	s.mu.Lock()
	if s.token == "" || s.client != nil {
		s.mu.Unlock()
		c.Close()
		return nil
	}
	s.client = c
	s.mu.Unlock()

	return c.Connect(s.endpoint, s)
}

// Logout forgets the token everywhere and closes the channel without
// reconnecting.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	c := s.client
	s.client = nil
	s.mu.Unlock()

	s.forget(c)
}

// forget removes the stored token and closes c.
func (s *Session) forget(c *realtime.Client) {
	if err := s.store.Delete(TokenKey); err != nil {
		s.logger.Warn().Err(err).Msg("Could not remove stored token")
	}
	if c != nil {
		c.Close()
	}
	s.logger.Info().Msg("Logged out")
}

// Close closes the channel but keeps the stored token for the next
// Restore.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// expire runs when the server refuses the token held by c. A rejection
// from a client that has since been replaced is ignored.
func (s *Session) expire(c *realtime.Client, err error) {
	s.mu.Lock()
	if c == nil || s.client != c {
		s.mu.Unlock()
		s.logger.Debug().Err(err).Msg("Ignoring rejection from a replaced channel")
		return
	}
	s.token = ""
	s.client = nil
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("Token rejected, ending session")
	s.forget(c)
}

// WatchStore follows changes made to the token store by other processes:
// a removed token logs this session out and a new one is adopted. It
// blocks until ctx is cancelled.
func (s *Session) WatchStore(ctx context.Context) error {
	return s.store.Watch(ctx, func() {
		stored, ok := s.store.Get(TokenKey)
		current, authed := s.Token()

		switch {
		case !ok && authed:
			s.logger.Info().Msg("Token removed from store")
			s.Logout()
		case ok && stored != "" && stored != current:
			s.logger.Info().Msg("New token found in store")
			if err := s.adopt(stored); err != nil {
				s.logger.Error().Err(err).Msg("Could not adopt stored token")
			}
		}
	})
}
