package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/eventsource"

	"github.com/kleeedolinux/entrywatch/debug"
)

// EventSourceTransport receives frames from a server-sent events stream.
// It cannot transmit: Send always fails with ErrSendUnsupported. The
// stream's own retry is disabled; reconnects belong to the caller.
type EventSourceTransport struct {
	mu          sync.Mutex
	client      *http.Client
	headers     http.Header
	readTimeout time.Duration

	stream    *eventsource.Stream
	errs      chan error
	done      chan struct{}
	connected bool
}

type EventSourceOption func(*EventSourceTransport)

func WithEventSourceHeaders(headers http.Header) EventSourceOption {
	return func(t *EventSourceTransport) {
		for k, v := range headers {
			t.headers[k] = append(t.headers[k], v...)
		}
	}
}

func WithHTTPClient(client *http.Client) EventSourceOption {
	return func(t *EventSourceTransport) {
		t.client = client
	}
}

// WithStreamReadTimeout closes the stream when nothing, including
// comments, arrives within timeout.
func WithStreamReadTimeout(timeout time.Duration) EventSourceOption {
	return func(t *EventSourceTransport) {
		t.readTimeout = timeout
	}
}

func NewEventSourceTransport(opts ...EventSourceOption) *EventSourceTransport {
	t := &EventSourceTransport{
		client:  &http.Client{},
		headers: make(http.Header),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *EventSourceTransport) Connect(ctx context.Context, endpoint string, header http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header = mergeHeaders(t.headers, header)

	errs := make(chan error, 1)
	done := make(chan struct{})

	options := []eventsource.StreamOption{
		eventsource.StreamOptionHTTPClient(t.client),
		eventsource.StreamOptionErrorHandler(func(err error) eventsource.StreamErrorHandlerResult {
			select {
			case errs <- err:
			default:
			}
			return eventsource.StreamErrorHandlerResult{CloseNow: true}
		}),
	}
	if t.readTimeout > 0 {
		options = append(options, eventsource.StreamOptionReadTimeout(t.readTimeout))
	}

	debug.Printf("EventSourceTransport: Connecting to %s", endpoint)

	stream, err := eventsource.SubscribeWithRequestAndOptions(req, options...)
	if err != nil {
		debug.Printf("EventSourceTransport: Connection failed: %v", err)
		var subErr eventsource.SubscriptionError
		if errors.As(err, &subErr) {
			return &HandshakeError{StatusCode: subErr.Code, Err: err}
		}
		var subErrPtr *eventsource.SubscriptionError
		if errors.As(err, &subErrPtr) {
			return &HandshakeError{StatusCode: subErrPtr.Code, Err: err}
		}
		return err
	}

	t.stream = stream
	t.errs = errs
	t.done = done
	t.connected = true

	return nil
}

// ReceiveOnly tells the client not to queue outbound frames.
func (t *EventSourceTransport) ReceiveOnly() bool {
	return true
}

func (t *EventSourceTransport) Send([]byte) error {
	return ErrSendUnsupported
}

// Receive returns the data field of the next event.
func (t *EventSourceTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	if !t.connected || t.stream == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	events := t.stream.Events
	errs := t.errs
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil, ErrNotConnected
	case err := <-errs:
		debug.Printf("EventSourceTransport: Stream error: %v", err)
		return nil, err
	case ev, ok := <-events:
		if !ok {
			return nil, errors.New("transport: event stream ended")
		}
		debug.Printf("EventSourceTransport: Received event %q: %s", ev.Event(), ev.Data())
		return []byte(ev.Data()), nil
	}
}

func (t *EventSourceTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	debug.Printf("EventSourceTransport: Closing stream")
	t.stream.Close()
	close(t.done)

	t.stream = nil
	t.connected = false

	return nil
}
