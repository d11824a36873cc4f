package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
)

// Transport is one reusable underlying connection. Close must unblock a
// pending Receive.
type Transport interface {
	Connect(ctx context.Context, endpoint string, header http.Header) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// receiveOnly is implemented by transports that cannot send.
type receiveOnly interface {
	ReceiveOnly() bool
}

// Client keeps a single logical channel open and dispatches incoming frames
// through its Registry.
type Client struct {
	mu        sync.Mutex
	id        string
	transport Transport
	registry  *Registry
	policy    RetryPolicy
	logger    zerolog.Logger

	sendBuffer int

	endpoint string
	creds    Credentials

	state      State
	started    bool
	closed     bool
	gen        uint64
	failures   int
	timer      *time.Timer
	sendCh     chan []byte
	connCancel context.CancelFunc
	lastFrame  *Frame

	stateListeners []func(from, to State)
	onReject       func(error)

	ctx        context.Context
	cancelFunc context.CancelFunc
}

type ClientOption func(*Client)

// WithRegistry shares an existing registry, so subscriptions outlive the
// client.
func WithRegistry(r *Registry) ClientOption {
	return func(c *Client) {
		c.registry = r
	}
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

func WithSendBuffer(size int) ClientOption {
	return func(c *Client) {
		if size > 0 {
			c.sendBuffer = size
		}
	}
}

// WithRejectHandler is called when the server refuses the handshake with
// 401 or 403 and the policy does not retry rejections.
func WithRejectHandler(fn func(error)) ClientOption {
	return func(c *Client) {
		c.onReject = fn
	}
}

func NewClient(transport Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		id:         uuid.NewString(),
		transport:  transport,
		policy:     DefaultRetryPolicy(),
		logger:     debug.Component("realtime"),
		sendBuffer: 100,
		state:      StateClosed,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.registry == nil {
		client.registry = NewRegistry()
		client.registry.SetLogger(client.logger)
	}
	client.logger = client.logger.With().Str("client", client.id).Logger()

	return client
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Registry() *Registry {
	return c.registry
}

// Connect starts opening the channel in the background. Transport failures
// are logged and retried according to the policy; only invalid arguments
// and a closed client are reported.
func (c *Client) Connect(endpoint string, creds Credentials) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}
	if creds == nil {
		return errors.New("realtime: nil credentials")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		c.logger.Debug().Msg("Connect called on a started client, ignoring")
		return nil
	}
	c.started = true
	c.endpoint = endpoint
	c.creds = creds
	c.mu.Unlock()

	go c.attempt()
	return nil
}

func (c *Client) attempt() {
	c.mu.Lock()
	c.timer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	creds := c.creds
	endpoint := c.endpoint
	c.mu.Unlock()

	token, ok := creds.Token()
	if !ok {
		c.logger.Info().Msg("No credential present, not reconnecting")
		c.mu.Lock()
		notify := c.transition(StateClosed)
		c.mu.Unlock()
		notify()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	notify := c.transition(StateConnecting)
	c.mu.Unlock()
	notify()

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)

	c.logger.Debug().Str("endpoint", endpoint).Msg("Connecting")
	err := c.transport.Connect(c.ctx, endpoint, header)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err == nil {
			c.transport.Close()
		}
		return
	}

	if err != nil {
		c.failures++
		failures := c.failures
		notify := c.transition(StateClosed)

		if isRejection(err) && !c.policy.RetryOnReject {
			onReject := c.onReject
			c.mu.Unlock()
			notify()
			c.logger.Warn().Err(err).Msg("Handshake rejected, not reconnecting")
			if onReject != nil {
				onReject(err)
			}
			return
		}

		if c.policy.Exhausted(failures) {
			c.mu.Unlock()
			notify()
			c.logger.Error().Err(err).Int("attempts", failures).Msg("Giving up reconnecting")
			return
		}

		delay := c.scheduleLocked(failures)
		c.mu.Unlock()
		notify()
		c.logger.Warn().Err(err).Int("attempt", failures).Dur("retry_in", delay).Msg("Connection failed")
		return
	}

	c.failures = 0
	c.gen++
	gen := c.gen
	connCtx, cancel := context.WithCancel(c.ctx)
	c.connCancel = cancel
	sendCh := make(chan []byte, c.sendBuffer)
	c.sendCh = sendCh
	notify = c.transition(StateOpen)
	c.mu.Unlock()
	notify()

	c.logger.Info().Str("endpoint", endpoint).Msg("Channel open")

	go c.sendLoop(connCtx, gen, sendCh)
	go c.receiveLoop(gen)
}

// scheduleLocked arms the reconnect timer unless one is already pending.
// attempt counts the consecutive failures so far, starting at 1.
func (c *Client) scheduleLocked(attempt int) time.Duration {
	if c.timer != nil {
		return 0
	}
	delay := c.policy.Delay(attempt)
	c.timer = time.AfterFunc(delay, c.attempt)
	return delay
}

func (c *Client) sendLoop(ctx context.Context, gen uint64, sendCh chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendCh:
			err := c.transport.Send(data)
			if errors.Is(err, ErrSendUnsupported) {
				c.logger.Warn().Msg("Transport cannot send, dropping outbound frame")
				continue
			}
			if err != nil {
				c.handleDisconnect(gen, err)
				return
			}
		}
	}
}

func (c *Client) receiveLoop(gen uint64) {
	for {
		if !c.current(gen) {
			return
		}

		data, err := c.transport.Receive()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
			continue
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.lastFrame = &frame
		c.mu.Unlock()

		debug.Printf("realtime: dispatching frame type=%q", frame.Type)
		c.registry.Dispatch(frame)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateOpen
}

func (c *Client) handleDisconnect(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}

	notify := c.transition(StateClosed)
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.sendCh = nil

	// Close before arming the timer so the next attempt dials a fresh
	// connection.
	c.transport.Close()

	var delay time.Duration
	if !c.closed {
		delay = c.scheduleLocked(1)
	}
	c.mu.Unlock()
	notify()

	c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Channel closed")
}

// Send serializes payload and queues it on the open channel. It never
// blocks; when the channel is not open, or the transport is receive-only,
// the payload is dropped.
func (c *Client) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode payload: %w", err)
	}

	if ro, ok := c.transport.(receiveOnly); ok && ro.ReceiveOnly() {
		c.logger.Warn().Msg("Transport is receive-only, dropping outbound frame")
		return ErrSendUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen || c.sendCh == nil {
		c.logger.Warn().Str("state", c.state.String()).Msg("Not connected, dropping outbound frame")
		return ErrNotConnected
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn().Msg("Send buffer full, dropping outbound frame")
		return ErrSendBufferFull
	}
}

func (c *Client) Subscribe(eventType string, handler Handler) (*Subscription, error) {
	return c.registry.Subscribe(eventType, handler)
}

func (c *Client) Unsubscribe(sub *Subscription) {
	c.registry.Unsubscribe(sub)
}

// OnStateChange registers fn for every state transition. It is called
// outside the client's lock.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateOpen
}

func (c *Client) LastFrame() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFrame == nil {
		return Frame{}, false
	}
	return *c.lastFrame, true
}

// Close terminates the channel and cancels any pending reconnect. A closed
// client cannot be reconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.gen++
	c.sendCh = nil
	notify := c.transition(StateClosed)
	c.mu.Unlock()

	c.cancelFunc()
	err := c.transport.Close()
	notify()

	c.logger.Info().Msg("Channel closed by caller")
	return err
}

// transition must be called with c.mu held; the returned func notifies
// listeners and must be called after unlocking.
func (c *Client) transition(to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to

	listeners := make([]func(from, to State), len(c.stateListeners))
	copy(listeners, c.stateListeners)

	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

func isRejection(err error) bool {
	var r interface{ Unauthorized() bool }
	return errors.As(err, &r) && r.Unauthorized()
}
