package ephemeral

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseScopePath(t *testing.T) {
	cases := []struct {
		path  string
		scope string
		ok    bool
	}{
		{"/v1/scopes/w1/ws", "w1", true},
		{"/v1/scopes/team%20a/ws", "team%20a", true},
		{"/v1/scopes//ws", "", false},
		{"/v1/scopes/w1", "", false},
		{"/v2/scopes/w1/ws", "", false},
		{"/health", "", false},
	}
	for _, tc := range cases {
		scope, ok := parseScopePath(tc.path)
		require.Equal(t, tc.ok, ok, tc.path)
		if tc.ok {
			require.Equal(t, tc.scope, scope, tc.path)
		}
	}
}

func TestRelayFanoutBetweenScopeMembers(t *testing.T) {
	hub := NewRelayHub(zerolog.Nop())
	server := httptest.NewServer(hub)
	defer server.Close()

	first, err := DialScope(zerolog.Nop(), server.URL, "w1")
	require.NoError(t, err)
	defer first.Close()
	second, err := DialScope(zerolog.Nop(), server.URL, "w1")
	require.NoError(t, err)
	defer second.Close()

	var mu sync.Mutex
	var received []Message
	second.SetReceiver(func(msg Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	require.Eventually(t, func() bool { return hub.MemberCount("w1") == 2 }, 5*time.Second, 10*time.Millisecond)

	// Sends race the client-side connect and drop until it completes, so
	// keep sending until one arrives.
	msg := Message{Kind: KindHeartbeat, SenderID: "inst-1", MessageID: "m1", SentAt: time.Now().UnixMilli()}
	require.Eventually(t, func() bool {
		require.NoError(t, first.Send(context.Background(), msg))
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "inst-1", received[0].SenderID)
	require.Equal(t, "w1", received[0].Scope, "hub stamps the scope on forwarded messages")
}

func TestRelayMembersPartitionedByScope(t *testing.T) {
	hub := NewRelayHub(zerolog.Nop())
	server := httptest.NewServer(hub)
	defer server.Close()

	w1, err := DialScope(zerolog.Nop(), server.URL, "w1")
	require.NoError(t, err)
	defer w1.Close()
	w2, err := DialScope(zerolog.Nop(), server.URL, "w2")
	require.NoError(t, err)
	defer w2.Close()

	var mu sync.Mutex
	crossScope := 0
	w2.SetReceiver(func(Message) {
		mu.Lock()
		crossScope++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		return hub.MemberCount("w1") == 1 && hub.MemberCount("w2") == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w1.Send(context.Background(), Message{Kind: KindHeartbeat, SenderID: "inst-1", MessageID: "m1"}))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, crossScope, "messages must never cross scope boundaries")
}
