package ipc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/metrics"
)

var (
	ErrLinkClosed   = errors.New("ipc link closed")
	ErrLinkBackedUp = errors.New("ipc link send buffer full")
)

// LinkOptions tunes a Link. Zero values select the defaults.
type LinkOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	return o
}

// Link is one end of the primary↔worker channel. Sends are queued and written
// by a single goroutine so that messages from one sender arrive in order.
// Receive must be called from one goroutine at a time.
type Link struct {
	conn      *websocket.Conn
	origin    int
	opts      LinkOptions
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewLink wraps an established websocket and starts its write pump. origin is
// stamped on every outgoing envelope.
func NewLink(conn *websocket.Conn, origin int, opts LinkOptions, logger zerolog.Logger) *Link {
	opts = opts.withDefaults()
	l := &Link{
		conn:   conn,
		origin: origin,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		log:    logger,
	}
	pongWait := opts.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go l.writePump()
	return l
}

// Send queues m for delivery. It never blocks: a full buffer is reported as
// ErrLinkBackedUp and the message is dropped.
func (l *Link) Send(m Message) error {
	frame, err := Encode(l.origin, m)
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- frame:
		metrics.IPCMessages.WithLabelValues("out", string(m.Type())).Inc()
		return nil
	case <-l.done:
		return ErrLinkClosed
	default:
		return ErrLinkBackedUp
	}
}

// Receive blocks for the next packet. A *DecodeError leaves the link usable;
// any other error means the link is gone.
func (l *Link) Receive() (Packet, error) {
	for {
		typ, raw, err := l.conn.ReadMessage()
		if err != nil {
			l.Close()
			return Packet{}, err
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.PingInterval * 2))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		pkt, err := Decode(raw)
		if err != nil {
			metrics.IPCDecodeErrors.Inc()
			return Packet{}, err
		}
		metrics.IPCMessages.WithLabelValues("in", string(pkt.Message.Type())).Inc()
		return pkt, nil
	}
}

func (l *Link) writePump() {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				l.log.Debug().Err(err).Msg("ipc write failed")
				l.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(l.opts.WriteTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.log.Debug().Err(err).Msg("ipc ping failed")
				l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

// Close tears the link down. It is safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		deadline := time.Now().Add(time.Second)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = l.conn.Close()
	})
	return err
}

// Done is closed once the link is torn down.
func (l *Link) Done() <-chan struct{} { return l.done }

// Dial connects to the primary at url, retrying with exponential backoff
// until it succeeds or ctx ends, then announces the worker with hello.
func Dial(ctx context.Context, url string, hello Hello, opts LinkOptions, logger zerolog.Logger) (*Link, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", d).Str("url", url).Msg("dialing primary")
	})
	if err != nil {
		return nil, fmt.Errorf("dial primary %s: %w", url, err)
	}

	link := NewLink(conn, hello.WorkerID, opts, logger)
	if err := link.Send(hello); err != nil {
		link.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	return link, nil
}
