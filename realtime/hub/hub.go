// Package hub is the server side of the realtime channel: it upgrades
// dashboard connections, fans frames out to them and lets them watch
// individual cameras.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
	"github.com/kleeedolinux/entrywatch/realtime"
)

// Lifecycle pseudo-types passed to HandleFunc; they never arrive on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const (
	frameWatch   = "watch"
	frameUnwatch = "unwatch"
)

var ErrUnauthorized = errors.New("hub: unauthorized")

// Authenticator vets the upgrade request. A non-nil error answers 401.
type Authenticator func(r *http.Request) error

// BearerAuth accepts an "Authorization: Bearer" header or a "token" query
// parameter that valid approves.
func BearerAuth(valid func(token string) bool) Authenticator {
	return func(r *http.Request) error {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if token == "" || !valid(token) {
			return ErrUnauthorized
		}
		return nil
	}
}

type HandlerFunc func(p *Peer, frame realtime.Frame)

type Hub struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[string][]HandlerFunc
	rooms    *RoomManager

	upgrader     websocket.Upgrader
	auth         Authenticator
	bufferSize   int
	writeTimeout time.Duration
	maxPeers     int
	logger       zerolog.Logger
}

type Option func(*Hub)

func WithAuthenticator(a Authenticator) Option {
	return func(h *Hub) {
		h.auth = a
	}
}

func WithBufferSize(size int) Option {
	return func(h *Hub) {
		h.bufferSize = size
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.writeTimeout = d
	}
}

func WithMaxPeers(n int) Option {
	return func(h *Hub) {
		h.maxPeers = n
	}
}

func WithCompression(enabled bool) Option {
	return func(h *Hub) {
		h.upgrader.EnableCompression = enabled
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		peers:    make(map[string]*Peer),
		handlers: make(map[string][]HandlerFunc),
		rooms:    NewRoomManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		bufferSize:   256,
		writeTimeout: 10 * time.Second,
		logger:       debug.Component("hub"),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// HandleFunc registers fn for inbound frames of the given type, or for the
// EventConnect and EventDisconnect lifecycle events.
func (h *Hub) HandleFunc(frameType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[frameType] = append(h.handlers[frameType], fn)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if err := h.auth(r); err != nil {
			h.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected connection")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if h.maxPeers > 0 && h.Count() >= h.maxPeers {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	p := newPeer(uuid.NewString(), conn, h.bufferSize, h.writeTimeout, h.logger, h.remove)

	h.mu.Lock()
	h.peers[p.ID()] = p
	h.mu.Unlock()

	h.logger.Info().Str("peer", p.ID()).Msg("Peer connected")
	h.trigger(EventConnect, p, realtime.Frame{Type: EventConnect})

	go h.readLoop(p)
}

func (h *Hub) readLoop(p *Peer) {
	defer p.Close()

	for {
		data, err := p.read()
		if err != nil {
			debug.Printf("hub: peer %s: read error: %v", p.ID(), err)
			return
		}

		frame, err := realtime.ParseFrame(data)
		if err != nil {
			h.logger.Warn().Err(err).Str("peer", p.ID()).Msg("Dropping malformed frame")
			continue
		}

		switch frame.Type {
		case frameWatch, frameUnwatch:
			h.handleWatch(p, frame)
		default:
			h.trigger(frame.Type, p, frame)
		}
	}
}

func (h *Hub) handleWatch(p *Peer, frame realtime.Frame) {
	var req struct {
		CameraID int `json:"camera_id"`
	}
	if err := frame.Decode(&req); err != nil || req.CameraID <= 0 {
		h.logger.Warn().Str("peer", p.ID()).Msg("Watch frame without a valid camera_id")
		return
	}

	room := CameraRoom(req.CameraID)
	if frame.Type == frameWatch {
		h.rooms.Join(room, p)
	} else {
		h.rooms.Leave(room, p.ID())
	}
	debug.Printf("hub: peer %s %s %s", p.ID(), frame.Type, room)
}

func (h *Hub) remove(p *Peer) {
	h.mu.Lock()
	_, existed := h.peers[p.ID()]
	delete(h.peers, p.ID())
	h.mu.Unlock()

	if !existed {
		return
	}

	h.rooms.LeaveAll(p.ID())
	h.logger.Info().Str("peer", p.ID()).Msg("Peer disconnected")
	h.trigger(EventDisconnect, p, realtime.Frame{Type: EventDisconnect})
}

func (h *Hub) trigger(frameType string, p *Peer, frame realtime.Frame) {
	h.mu.RLock()
	handlers := h.handlers[frameType]
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(p, frame)
	}
}

// Broadcast sends frame to every connected peer and returns how many it was
// queued for.
func (h *Hub) Broadcast(frame any) (int, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	return h.fanOut(peers, data), nil
}

// BroadcastToRoom sends frame to the peers in room only.
func (h *Hub) BroadcastToRoom(room string, frame any) (int, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, err
	}

	r, ok := h.rooms.Get(room)
	if !ok {
		return 0, nil
	}
	return h.fanOut(r.Peers(), data), nil
}

func (h *Hub) fanOut(peers []*Peer, data []byte) int {
	sent := 0
	for _, p := range peers {
		if err := p.write(data); err != nil {
			debug.Printf("hub: dropping frame for peer %s: %v", p.ID(), err)
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) RoomsOf(peerID string) []string {
	return h.rooms.RoomsOf(peerID)
}

// Shutdown closes every peer. It returns early if ctx ends first.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range peers {
			if err := p.Close(); err != nil {
				h.logger.Debug().Err(err).Str("peer", p.ID()).Msg("Error closing peer")
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
