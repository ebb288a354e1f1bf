package ephemeral

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	wsDialTimeout      = 5 * time.Second
	wsReconnectBase    = 100 * time.Millisecond
	wsReconnectCeiling = 2 * time.Second
)

// WebSocketMedium bridges an endpoint to the relay hub over one websocket
// per scope. The connection is re-dialed with capped exponential backoff
// after any failure; messages sent while disconnected are dropped, which is
// acceptable for a best-effort ephemeral path.
type WebSocketMedium struct {
	endpointURL string
	log         zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	receiver func(Message)
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialScope connects to a relay hub's scope channel, e.g.
// ws://host:port/v1/scopes/<scope>/ws.
func DialScope(log zerolog.Logger, relayBaseURL, scope string) (*WebSocketMedium, error) {
	base, err := url.Parse(relayBaseURL)
	if err != nil {
		return nil, err
	}
	base.Path = fmt.Sprintf("/v1/scopes/%s/ws", url.PathEscape(scope))
	ctx, cancel := context.WithCancel(context.Background())
	m := &WebSocketMedium{
		endpointURL: base.String(),
		log:         log.With().Str("component", "ws-medium").Str("scope", scope).Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

func (m *WebSocketMedium) run() {
	defer m.wg.Done()
	delay := wsReconnectBase
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		conn, err := m.dial()
		if err != nil {
			m.log.Debug().Err(err).Dur("retryIn", delay).Msg("relay dial failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > wsReconnectCeiling {
				delay = wsReconnectCeiling
			}
			continue
		}
		delay = wsReconnectBase
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.log.Debug().Msg("relay connected")
		m.readLoop(conn)
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
	}
}

func (m *WebSocketMedium) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, m.endpointURL, nil)
	return conn, err
}

func (m *WebSocketMedium) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := wsjson.Read(m.ctx, conn, &msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if m.ctx.Err() == nil {
				m.log.Debug().Err(err).Msg("relay read failed; reconnecting")
			}
			return
		}
		m.mu.Lock()
		receiver := m.receiver
		m.mu.Unlock()
		if receiver != nil {
			receiver(msg)
		}
	}
}

func (m *WebSocketMedium) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if conn == nil {
		// Disconnected; fire-and-forget semantics allow the drop.
		return nil
	}
	return wsjson.Write(ctx, conn, msg)
}

func (m *WebSocketMedium) SetReceiver(fn func(Message)) {
	m.mu.Lock()
	m.receiver = fn
	m.mu.Unlock()
}

func (m *WebSocketMedium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.mu.Unlock()
	m.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	m.wg.Wait()
	return nil
}
