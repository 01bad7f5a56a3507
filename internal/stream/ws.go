// Package stream provides the push-based transport layer: a resilient
// WebSocket client and the adapter that decodes binary-market order book
// envelopes into snapshot/delta calls on the consolidation core.
package stream

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake (auth headers live here).
	Headers http.Header
}

// DefaultWSConfig returns defaults tuned for market-data streams.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a resilient WebSocket connection manager. It reconnects with
// exponential backoff, treats read silence beyond HeartbeatTimeout as a
// dead connection, and fans inbound messages out to subscribers.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	connected atomic.Bool

	mu   sync.RWMutex
	conn *websocket.Conn

	// subscribers receive copies of every inbound message. subsClosed
	// marks the channels closed so a late fanOut never sends on them.
	subMu      sync.RWMutex
	subs       []chan []byte
	subsClosed bool

	// outbox for sending messages through the connection.
	outbox chan []byte

	cancel context.CancelFunc
	done   chan struct{}

	// onStateChange is invoked with true after each (re)connection and
	// false when the connection is lost.
	onStateChange func(connected bool)
}

// NewWSClient creates a WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, logger *slog.Logger) *WSClient {
	return &WSClient{
		cfg:    cfg,
		logger: logger,
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// OnStateChange registers the connection-state callback. Must be set
// before Connect.
func (ws *WSClient) OnStateChange(fn func(connected bool)) { ws.onStateChange = fn }

// Connected reports whether the connection is currently up.
func (ws *WSClient) Connected() bool { return ws.connected.Load() }

// Subscribe returns a channel that receives copies of every inbound
// message. The caller must drain the channel to avoid dropped messages.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	if ws.subsClosed {
		close(ch)
	} else {
		ws.subs = append(ws.subs, ch)
	}
	ws.subMu.Unlock()
	return ch
}

// Send enqueues a message for delivery over the connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.logger.Warn("ws outbox full, dropping message", "bytes", len(data))
	}
}

// Connect dials the endpoint and starts the read/write loops. It blocks
// until the initial connection succeeds or ctx is cancelled.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		return err
	}
	ws.setConnected(true)

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client, closing the underlying connection and all
// subscriber channels.
func (ws *WSClient) Close() {
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.mu.Lock()
	if ws.conn != nil {
		ws.conn.Close()
	}
	ws.mu.Unlock()

	ws.subMu.Lock()
	if !ws.subsClosed {
		ws.subsClosed = true
		for _, ch := range ws.subs {
			close(ch)
		}
	}
	ws.subMu.Unlock()

	close(ws.done)
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} { return ws.done }

func (ws *WSClient) setConnected(up bool) {
	prev := ws.connected.Swap(up)
	if prev != up && ws.onStateChange != nil {
		ws.onStateChange(up)
	}
}

// dial establishes the connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.cfg.URL, ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or ctx is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.setConnected(false)

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.logger.Warn("ws reconnect failed", "err", err, "retry_in", delay)
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.setConnected(true)
		return true
	}
}

// readLoop reads messages and fans them out to subscribers. It doubles as
// the heartbeat monitor: read silence beyond HeartbeatTimeout triggers a
// reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.logger.Warn("ws read error, reconnecting", "err", err)
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(msg)
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.logger.Warn("ws write error", "err", err)
			}
		}
	}
}

// fanOut delivers msg to every subscriber without blocking.
func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	if ws.subsClosed {
		return
	}
	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			// Slow consumer: drop to avoid head-of-line blocking.
		}
	}
}
