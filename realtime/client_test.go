package realtime

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 20 * time.Millisecond

var errFakeClosed = errors.New("fake transport closed")

type rejectedErr struct{}

func (rejectedErr) Error() string      { return "status 401" }
func (rejectedErr) Unauthorized() bool { return true }

// fakeTransport scripts connection outcomes and lets tests push frames or
// failures into the active connection.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	connectErrs []error
	headers     []http.Header
	sent        [][]byte
	connected   bool
	done        chan struct{}

	incoming chan []byte
	failures chan error
}

func newFakeTransport(connectErrs ...error) *fakeTransport {
	return &fakeTransport{
		connectErrs: connectErrs,
		incoming:    make(chan []byte, 16),
		failures:    make(chan error, 4),
	}
}

func (f *fakeTransport) Connect(_ context.Context, _ string, header http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	f.headers = append(f.headers, header.Clone())
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	f.done = make(chan struct{})
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errFakeClosed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	if done == nil {
		return nil, errFakeClosed
	}

	select {
	case <-done:
		return nil, errFakeClosed
	case err := <-f.failures:
		return nil, err
	case data := <-f.incoming:
		return data, nil
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		close(f.done)
		f.connected = false
	}
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type swappableCreds struct {
	mu    sync.Mutex
	token string
}

func (s *swappableCreds) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *swappableCreds) clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func newTestClient(t *testing.T, ft *fakeTransport, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithRetryPolicy(FixedRetryPolicy(testDelay)),
		WithLogger(zerolog.Nop()),
	}, opts...)
	c := NewClient(ft, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state never became %s", want)
}

func TestClient_DeliversFramesToMatchingSubscribers(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	got := make(chan Frame, 1)
	alerts := make(chan Frame, 1)
	_, err := c.Subscribe("detection", func(f Frame) { got <- f })
	require.NoError(t, err)
	_, err = c.Subscribe("alert", func(f Frame) { alerts <- f })
	require.NoError(t, err)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)

	ft.incoming <- []byte(`{"type":"detection","camera_id":3,"detections":[{"name":"Ada","verified":true}]}`)

	select {
	case f := <-got:
		assert.Equal(t, map[string]any{
			"type":       "detection",
			"camera_id":  float64(3),
			"detections": []any{map[string]any{"name": "Ada", "verified": true}},
		}, f.Payload)
	case <-time.After(time.Second):
		t.Fatal("detection subscriber was not invoked")
	}

	select {
	case <-alerts:
		t.Fatal("alert subscriber received a detection frame")
	case <-time.After(50 * time.Millisecond):
	}

	last, ok := c.LastFrame()
	require.True(t, ok)
	assert.Equal(t, "detection", last.Type)
}

func TestClient_SendsBearerCredentialOnHandshake(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("secret")))
	waitForState(t, c, StateOpen)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.headers, 1)
	assert.Equal(t, "Bearer secret", ft.headers[0].Get("Authorization"))
}

func TestClient_MalformedFrameKeepsChannelOpen(t *testing.T) {
	ft := newFakeTransport()
	logs := &syncBuffer{}
	c := newTestClient(t, ft, WithLogger(zerolog.New(logs)))

	got := make(chan Frame, 1)
	_, err := c.Subscribe(Wildcard, func(f Frame) { got <- f })
	require.NoError(t, err)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)

	ft.incoming <- []byte(`this is not json`)
	ft.incoming <- []byte(`{"type":"alert","message":"after"}`)

	select {
	case f := <-got:
		assert.Equal(t, "alert", f.Type)
	case <-time.After(time.Second):
		t.Fatal("frame after malformed one was not delivered")
	}

	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 1, ft.connectCount())
	assert.Contains(t, logs.String(), "Dropping malformed frame")
}

func TestClient_SendBeforeOpenIsDroppedAndLogged(t *testing.T) {
	ft := newFakeTransport()
	logs := &syncBuffer{}
	c := newTestClient(t, ft, WithLogger(zerolog.New(logs)))

	err := c.Send(map[string]any{"type": "watch", "camera_id": 1})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, logs.String(), "Not connected")
	assert.Empty(t, ft.sentFrames())
}

func TestClient_SendTransmitsJSONWhenOpen(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)

	require.NoError(t, c.Send(map[string]any{"type": "watch", "camera_id": 2}))
	require.Eventually(t, func() bool { return len(ft.sentFrames()) == 1 }, time.Second, 2*time.Millisecond)
	assert.JSONEq(t, `{"type":"watch","camera_id":2}`, ft.sentFrames()[0])
}

func TestClient_OneReconnectPerFailure(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)
	require.Equal(t, 1, ft.connectCount())

	ft.failures <- errors.New("connection reset")

	require.Eventually(t, func() bool { return ft.connectCount() == 2 }, time.Second, 2*time.Millisecond)
	waitForState(t, c, StateOpen)

	time.Sleep(5 * testDelay)
	assert.Equal(t, 2, ft.connectCount())
}

func TestClient_FailedHandshakesRetryOnSchedule(t *testing.T) {
	ft := newFakeTransport(errors.New("refused"), errors.New("refused"))
	c := newTestClient(t, ft)

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)
	assert.Equal(t, 3, ft.connectCount())
}

func TestClient_CloseSuppressesReconnect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft, WithRetryPolicy(FixedRetryPolicy(150*time.Millisecond)))

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)

	ft.failures <- errors.New("connection reset")
	waitForState(t, c, StateClosed)
	require.NoError(t, c.Close())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
	assert.Equal(t, StateClosed, c.State())

	assert.ErrorIs(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestClient_MissingCredentialStopsReconnect(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)
	creds := &swappableCreds{token: "tok"}

	require.NoError(t, c.Connect("ws://backend.test/ws", creds))
	waitForState(t, c, StateOpen)

	creds.clear()
	ft.failures <- errors.New("connection reset")

	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, ft.connectCount())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_RejectedHandshakeStopsAndNotifies(t *testing.T) {
	ft := newFakeTransport(rejectedErr{})
	rejected := make(chan error, 1)
	c := newTestClient(t, ft, WithRejectHandler(func(err error) { rejected <- err }))

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("expired")))

	select {
	case err := <-rejected:
		assert.EqualError(t, err, "status 401")
	case <-time.After(time.Second):
		t.Fatal("reject handler not called")
	}

	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, ft.connectCount())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_RetryOnRejectKeepsTrying(t *testing.T) {
	ft := newFakeTransport(rejectedErr{})
	policy := FixedRetryPolicy(testDelay)
	policy.RetryOnReject = true
	c := newTestClient(t, ft, WithRetryPolicy(policy))

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)
	assert.Equal(t, 2, ft.connectCount())
}

func TestClient_MaxAttemptsGivesUp(t *testing.T) {
	boom := errors.New("refused")
	ft := newFakeTransport(boom, boom, boom, boom, boom)
	policy := FixedRetryPolicy(testDelay)
	policy.MaxAttempts = 3
	c := newTestClient(t, ft, WithRetryPolicy(policy))

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))

	require.Eventually(t, func() bool { return ft.connectCount() == 3 }, time.Second, 2*time.Millisecond)
	time.Sleep(5 * testDelay)
	assert.Equal(t, 3, ft.connectCount())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_StateListenerSeesTransitions(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	var mu sync.Mutex
	var seen []string
	c.OnStateChange(func(from, to State) {
		mu.Lock()
		seen = append(seen, from.String()+"->"+to.String())
		mu.Unlock()
	})

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->connecting", "connecting->open", "open->closed"}, seen)
}

func TestClient_ConnectValidatesArguments(t *testing.T) {
	c := newTestClient(t, newFakeTransport())

	assert.Error(t, c.Connect("", StaticCredentials("tok")))
	assert.Error(t, c.Connect("/ws", StaticCredentials("tok")))
	assert.Error(t, c.Connect("ws://backend.test/ws", nil))
}

func TestClient_SharedRegistrySurvivesClients(t *testing.T) {
	reg := NewRegistry()
	got := make(chan string, 2)
	_, err := reg.Subscribe("alert", func(f Frame) { got <- f.Payload["message"].(string) })
	require.NoError(t, err)

	for _, msg := range []string{"first", "second"} {
		ft := newFakeTransport()
		c := newTestClient(t, ft, WithRegistry(reg))
		require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
		waitForState(t, c, StateOpen)

		ft.incoming <- []byte(`{"type":"alert","message":"` + msg + `"}`)
		select {
		case m := <-got:
			assert.Equal(t, msg, m)
		case <-time.After(time.Second):
			t.Fatal("alert not delivered")
		}
		require.NoError(t, c.Close())
	}
	assert.Equal(t, 1, reg.Len("alert"))
}

// sendlessTransport accepts frames into the queue but refuses to write them.
type sendlessTransport struct {
	*fakeTransport
}

func (s sendlessTransport) Send([]byte) error {
	return ErrSendUnsupported
}

func TestClient_UnsupportedSendKeepsChannelOpen(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(sendlessTransport{ft}, WithRetryPolicy(FixedRetryPolicy(testDelay)), WithLogger(zerolog.Nop()))
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))
	waitForState(t, c, StateOpen)

	require.NoError(t, c.Send(map[string]any{"type": "watch", "camera_id": 1}))
	require.NoError(t, c.Send(map[string]any{"type": "watch", "camera_id": 2}))

	time.Sleep(5 * testDelay)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 1, ft.connectCount())

	ft.incoming <- []byte(`{"type":"alert"}`)
	require.Eventually(t, func() bool {
		f, ok := c.LastFrame()
		return ok && f.Type == "alert"
	}, time.Second, 2*time.Millisecond)
}

func TestClient_FirstRetryAfterFailedHandshakeUsesInitialDelay(t *testing.T) {
	ft := newFakeTransport(errors.New("refused"), errors.New("refused"))
	backoff := RetryPolicy{InitialDelay: 40 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 20}
	c := newTestClient(t, ft, WithRetryPolicy(backoff))

	start := time.Now()
	require.NoError(t, c.Connect("ws://backend.test/ws", StaticCredentials("tok")))

	// Delay(1) is 40ms; Delay(2) would be 800ms.
	require.Eventually(t, func() bool { return ft.connectCount() >= 2 }, 500*time.Millisecond, 2*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The second failure backs off.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, ft.connectCount())
}
