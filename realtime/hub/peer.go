package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/entrywatch/debug"
)

var ErrPeerClosed = errors.New("hub: peer closed")

// Peer is one connected dashboard.
type Peer struct {
	id           string
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	closed bool

	onClose func(*Peer)
}

func newPeer(id string, conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, logger zerolog.Logger, onClose func(*Peer)) *Peer {
	p := &Peer{
		id:           id,
		conn:         conn,
		sendCh:       make(chan []byte, bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("peer", id).Logger(),
		onClose:      onClose,
	}

	p.writeWg.Add(1)
	go p.writePump()

	return p
}

func (p *Peer) ID() string {
	return p.id
}

func (p *Peer) writePump() {
	defer p.writeWg.Done()

	for {
		select {
		case <-p.closeCh:
			return
		case message := <-p.sendCh:
			if p.writeTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}

			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Debug().Err(err).Msg("Write failed, closing peer")
				go p.Close()
				return
			}
		}
	}
}

// Send marshals frame and queues it for the peer. A peer whose buffer is
// full is too slow to keep and gets closed.
func (p *Peer) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *Peer) write(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrPeerClosed
	}

	debug.Printf("hub: peer %s: queueing %s", p.id, string(data))

	select {
	case p.sendCh <- data:
		return nil
	default:
		p.logger.Warn().Msg("Send buffer full, closing peer")
		go p.Close()
		return ErrPeerClosed
	}
}

func (p *Peer) read() ([]byte, error) {
	_, message, err := p.conn.ReadMessage()
	return message, err
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	onClose := p.onClose
	p.mu.Unlock()

	p.writeWg.Wait()

	p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := p.conn.Close()

	if onClose != nil {
		onClose(p)
	}
	return err
}
