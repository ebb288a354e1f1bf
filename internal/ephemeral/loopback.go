package ephemeral

import (
	"context"
	"sync"
)

// LoopbackBus delivers messages between endpoints inside one process,
// partitioned by scope. It backs tests and single-process deployments where
// no relay is running. Like the real medium, delivery is asynchronous and
// skips the sending connection.
type LoopbackBus struct {
	mu     sync.Mutex
	scopes map[string][]*LoopbackMedium
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{scopes: map[string][]*LoopbackMedium{}}
}

// Join attaches a new medium to a scope.
func (b *LoopbackBus) Join(scope string) *LoopbackMedium {
	m := &LoopbackMedium{bus: b, scope: scope}
	b.mu.Lock()
	b.scopes[scope] = append(b.scopes[scope], m)
	b.mu.Unlock()
	return m
}

func (b *LoopbackBus) broadcast(from *LoopbackMedium, msg Message) {
	b.mu.Lock()
	peers := append([]*LoopbackMedium(nil), b.scopes[msg.Scope]...)
	b.mu.Unlock()
	for _, peer := range peers {
		if peer == from {
			continue
		}
		peer.deliver(msg)
	}
}

func (b *LoopbackBus) leave(m *LoopbackMedium) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := b.scopes[m.scope]
	for i, peer := range peers {
		if peer == m {
			b.scopes[m.scope] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
}

// LoopbackMedium is one endpoint's attachment to the bus.
type LoopbackMedium struct {
	bus   *LoopbackBus
	scope string

	mu       sync.Mutex
	receiver func(Message)
	closed   bool
}

func (m *LoopbackMedium) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	m.mu.Unlock()
	go m.bus.broadcast(m, msg)
	return nil
}

func (m *LoopbackMedium) SetReceiver(fn func(Message)) {
	m.mu.Lock()
	m.receiver = fn
	m.mu.Unlock()
}

func (m *LoopbackMedium) deliver(msg Message) {
	m.mu.Lock()
	receiver := m.receiver
	closed := m.closed
	m.mu.Unlock()
	if closed || receiver == nil {
		return
	}
	receiver(msg)
}

func (m *LoopbackMedium) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.bus.leave(m)
	return nil
}
