package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/state"
)

var (
	ErrSocketClosed   = errors.New("socket closed")
	ErrSocketBackedUp = errors.New("socket send buffer full")
)

// SocketOptions tunes client transports.
type SocketOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	SendBuffer   int
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// socket is a client websocket. Frames are queued by Send and written by a
// single pump; the read pump hands inbound frames to the Node.
type socket struct {
	conn      *websocket.Conn
	opts      SocketOptions
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

var _ state.Socket = (*socket)(nil)

func newSocket(conn *websocket.Conn, opts SocketOptions, logger zerolog.Logger) *socket {
	return &socket{
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
		log:  logger,
	}
}

// Send queues frame without blocking. A client that does not drain its
// buffer loses frames.
func (s *socket) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSocketBackedUp
	}
}

// Close asks the write pump to send a close frame and drop the transport.
// It never blocks.
func (s *socket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *socket) writePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug().Err(err).Msg("client write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Err(err).Msg("client ping failed")
				s.Close()
				return
			}
		case <-s.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case frame := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if s.conn.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
				default:
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

// readPump feeds inbound frames to node until the transport ends, then
// reports the close. It blocks and should run on the request goroutine.
func (s *socket) readPump(node *Node, id state.ConnectionID) {
	s.conn.SetReadLimit(s.opts.ReadLimit)
	pongWait := s.opts.PingInterval * 2
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var cause error
	for {
		typ, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			break
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		node.Receive(id, raw)
	}

	// A close we initiated surfaces here as a read error; it is not a fault.
	select {
	case <-s.done:
		cause = nil
	default:
	}
	node.Disconnect(id, cause)
	s.Close()
}
