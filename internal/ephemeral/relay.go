package ephemeral

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// RelayHub is the broadcast relay the websocket medium connects to: one
// fanout group per scope, each inbound message forwarded to every other
// connection in the same scope. The hub never inspects payloads and keeps
// no history; it exists purely to carry ephemeral traffic between
// instances that cannot share a process.
type RelayHub struct {
	mu     sync.Mutex
	scopes map[string]map[*relayConn]struct{}
	log    zerolog.Logger
}

type relayConn struct {
	conn *websocket.Conn
}

func NewRelayHub(log zerolog.Logger) *RelayHub {
	return &RelayHub{
		scopes: map[string]map[*relayConn]struct{}{},
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// ServeHTTP accepts websocket upgrades on /v1/scopes/{scope}/ws.
func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope, ok := parseScopePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	member := &relayConn{conn: conn}
	h.join(scope, member)
	defer h.leave(scope, member)
	h.log.Debug().Str("scope", scope).Msg("relay member joined")

	ctx := r.Context()
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		msg.Scope = scope
		h.fanout(ctx, scope, member, msg)
	}
}

func (h *RelayHub) join(scope string, member *relayConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scopes[scope] == nil {
		h.scopes[scope] = map[*relayConn]struct{}{}
	}
	h.scopes[scope][member] = struct{}{}
}

func (h *RelayHub) leave(scope string, member *relayConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.scopes[scope], member)
	if len(h.scopes[scope]) == 0 {
		delete(h.scopes, scope)
	}
}

func (h *RelayHub) fanout(ctx context.Context, scope string, from *relayConn, msg Message) {
	h.mu.Lock()
	peers := make([]*relayConn, 0, len(h.scopes[scope]))
	for peer := range h.scopes[scope] {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()
	for _, peer := range peers {
		if err := wsjson.Write(ctx, peer.conn, msg); err != nil {
			h.log.Debug().Err(err).Str("scope", scope).Msg("relay forward failed")
		}
	}
}

// MemberCount reports the live connections in a scope.
func (h *RelayHub) MemberCount(scope string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scopes[scope])
}

func parseScopePath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "scopes" || parts[3] != "ws" {
		return "", false
	}
	if strings.TrimSpace(parts[2]) == "" {
		return "", false
	}
	return parts[2], true
}
