package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blockparty/lobby-backend/internal/negotiate"
	"github.com/blockparty/lobby-backend/internal/protocol"
	"github.com/blockparty/lobby-backend/internal/relay"
)

const testSecret = "test-secret"

// startRelay spins up a negotiate endpoint plus a relay hub the same
// way cmd/server wires them.
func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	hub := relay.NewHub(context.Background(), nil)

	var srv *httptest.Server
	r.Post("/api/negotiate", func(w http.ResponseWriter, req *http.Request) {
		cfg := negotiate.Config{
			Endpoint:   "ws://" + strings.TrimPrefix(srv.URL, "http://"),
			DefaultHub: "lobby",
			Secret:     testSecret,
		}
		negotiate.Handler(cfg, nil)(w, req)
	})
	r.Get("/client/hubs/{hub}", relay.Handler(hub, testSecret, nil))

	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { hub.Inbox() <- relay.Shutdown{} })
	return srv
}

func newTestSession(t *testing.T, srv *httptest.Server) *Session {
	t.Helper()
	s := NewSession(srv.URL+"/api/negotiate", "lobby", nil)
	t.Cleanup(s.Close)
	return s
}

func recvMessage(t *testing.T, ch <-chan protocol.Message, within time.Duration) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for inbound message")
		return protocol.Message{} // unreachable
	}
}

func TestConnect_AnnouncesJoinToGroup(t *testing.T) {
	srv := startRelay(t)

	a := newTestSession(t, srv)
	if err := a.Connect(context.Background(), "AB3KD", protocol.Player{ID: "a", Name: "Sam"}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if state, _ := a.State(); state != StateConnected {
		t.Fatalf("a state = %v", state)
	}

	b := newTestSession(t, srv)
	if err := b.Connect(context.Background(), "AB3KD", protocol.Player{ID: "b", Name: "Ana"}); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	// a sees b's join announcement; b gets no echo of its own.
	msg := recvMessage(t, a.Inbound(), 2*time.Second)
	if msg.Kind != protocol.KindJoin || msg.Player == nil || msg.Player.ID != "b" {
		t.Fatalf("want join from b, got %+v", msg)
	}
	select {
	case echoed := <-b.Inbound():
		t.Fatalf("b received an echo: %+v", echoed)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSend_ReachesOtherGroupMembers(t *testing.T) {
	srv := startRelay(t)

	a := newTestSession(t, srv)
	if err := a.Connect(context.Background(), "QQ111", protocol.Player{ID: "a"}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	b := newTestSession(t, srv)
	if err := b.Connect(context.Background(), "QQ111", protocol.Player{ID: "b"}); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	recvMessage(t, a.Inbound(), 2*time.Second) // b's join

	b.Send(protocol.Message{Kind: protocol.KindReady, PlayerID: "b", Ready: true})

	msg := recvMessage(t, a.Inbound(), 2*time.Second)
	if msg.Kind != protocol.KindReady || msg.PlayerID != "b" || !msg.Ready {
		t.Fatalf("want ready from b, got %+v", msg)
	}
}

func TestSend_ScopedToGroup(t *testing.T) {
	srv := startRelay(t)

	a := newTestSession(t, srv)
	if err := a.Connect(context.Background(), "AAAAA", protocol.Player{ID: "a"}); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	other := newTestSession(t, srv)
	if err := other.Connect(context.Background(), "BBBBB", protocol.Player{ID: "x"}); err != nil {
		t.Fatalf("connect other: %v", err)
	}

	other.Send(protocol.Message{Kind: protocol.KindReady, PlayerID: "x", Ready: true})

	select {
	case msg := <-a.Inbound():
		t.Fatalf("message leaked across groups: %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnect_NegotiateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "lobby", nil)
	err := s.Connect(context.Background(), "AB3KD", protocol.Player{ID: "a"})
	if err == nil {
		t.Fatal("expected connect error")
	}
	state, reason := s.State()
	if state != StateError || reason == "" {
		t.Fatalf("want error state with reason, got %v %q", state, reason)
	}
}

func TestConnect_NegotiateMissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "lobby", nil)
	if err := s.Connect(context.Background(), "AB3KD", protocol.Player{ID: "a"}); err == nil {
		t.Fatal("expected connect error on missing url")
	}
	if state, _ := s.State(); state != StateError {
		t.Fatalf("state = %v", state)
	}
}

func TestSend_DroppedWhileIdle(t *testing.T) {
	s := NewSession("http://unused", "lobby", nil)
	s.Send(protocol.Message{Kind: protocol.KindReady, PlayerID: "a"})
	if state, _ := s.State(); state != StateIdle {
		t.Fatalf("send while idle changed state to %v", state)
	}
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("idle send was buffered: %d", pending)
	}
}

func TestSend_BuffersWhileConnectingDropOldest(t *testing.T) {
	s := NewSession("http://unused", "lobby", nil)
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	for i := 0; i < maxPending+10; i++ {
		s.Send(protocol.Message{Kind: protocol.KindPos, PlayerID: "a", X: float64(i)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) != maxPending {
		t.Fatalf("pending = %d, want %d", len(s.pending), maxPending)
	}
	if s.pending[0].X != 10 {
		t.Fatalf("oldest not dropped, head X = %v", s.pending[0].X)
	}
	if s.pending[len(s.pending)-1].X != float64(maxPending+9) {
		t.Fatalf("newest missing, tail X = %v", s.pending[len(s.pending)-1].X)
	}
}

func TestClose_ReleasesConnection(t *testing.T) {
	srv := startRelay(t)

	s := newTestSession(t, srv)
	if err := s.Connect(context.Background(), "AB3KD", protocol.Player{ID: "a"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.Close()
	if state, _ := s.State(); state != StateIdle {
		t.Fatalf("state after close = %v", state)
	}
}

func TestConnect_BadTokenRejectedByRelay(t *testing.T) {
	srv := startRelay(t)

	// Hand-build a negotiate response pointing at the relay with a
	// garbage token; the dial must fail and land the session in the
	// error state.
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/client/hubs/lobby?access_token=garbage"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": wsURL})
	}))
	defer bad.Close()

	s := NewSession(bad.URL, "lobby", nil)
	if err := s.Connect(context.Background(), "AB3KD", protocol.Player{ID: "a"}); err == nil {
		t.Fatal("expected dial failure with bad token")
	}
	if state, _ := s.State(); state != StateError {
		t.Fatalf("state = %v", state)
	}
}
