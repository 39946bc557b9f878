package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blockparty/lobby-backend/internal/board"
	"github.com/blockparty/lobby-backend/internal/directory"
	"github.com/blockparty/lobby-backend/internal/lobby"
	"github.com/blockparty/lobby-backend/internal/negotiate"
	"github.com/blockparty/lobby-backend/internal/protocol"
	"github.com/blockparty/lobby-backend/internal/relay"
	"github.com/blockparty/lobby-backend/internal/transport"
)

// startServer brings up the whole API surface the way cmd/server
// does, with in-memory stores.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler = SetupRoutes(Deps{
		Hub:       relay.NewHub(ctx, nil),
		Directory: directory.NewMemoryStore(),
		Board:     board.NewMemoryStore(),
		Negotiate: negotiate.Config{
			Endpoint:   "ws://" + strings.TrimPrefix(srv.URL, "http://"),
			DefaultHub: "lobby",
			Secret:     "e2e-secret",
		},
		LobbyTTL: 30 * time.Minute,
	})
	return srv
}

func newClient(t *testing.T, srv *httptest.Server) (*lobby.Lobby, *directory.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session := transport.NewSession(srv.URL+"/api/negotiate", "lobby", nil)
	t.Cleanup(session.Close)
	dir := directory.NewClient(srv.URL, nil)
	return lobby.NewLobby(ctx, session, dir, nil), dir
}

func waitLobby(t *testing.T, l *lobby.Lobby, what string, cond func(lobby.State) bool) lobby.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := l.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last state: %+v", what, s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEndToEnd_CreateJoinReadyStart(t *testing.T) {
	srv := startServer(t)

	leader, dir := newClient(t, srv)
	if err := leader.JoinLobby("AB3KD", "Sam", "#ef4444", true); err != nil {
		t.Fatalf("leader join: %v", err)
	}

	// Discovery shows the open lobby.
	deadline := time.Now().Add(3 * time.Second)
	for {
		entries, err := dir.List(context.Background())
		if err == nil && len(entries) == 1 &&
			entries[0].LobbyCode == "AB3KD" && entries[0].LeaderName == "Sam" && entries[0].PlayersCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lobby never listed: %+v (%v)", entries, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	peer, _ := newClient(t, srv)
	if err := peer.JoinLobby("AB3KD", "Ana", "#22c55e", false); err != nil {
		t.Fatalf("peer join: %v", err)
	}

	// Leader sees the join; its snapshot converges the peer.
	waitLobby(t, leader, "leader to see 2 players", func(s lobby.State) bool {
		return len(s.Players) == 2
	})
	peerState := waitLobby(t, peer, "peer to converge to 2 players", func(s lobby.State) bool {
		return len(s.Players) == 2
	})
	var sawLeader bool
	for _, p := range peerState.Players {
		if p.IsLeader && p.Name == "Sam" {
			sawLeader = true
		}
	}
	if !sawLeader {
		t.Fatalf("peer's list lacks the leader: %+v", peerState.Players)
	}

	leader.SetReady(true)
	peer.SetReady(true)
	waitLobby(t, leader, "leader to see everyone ready", func(s lobby.State) bool {
		for _, p := range s.Players {
			if !p.Ready {
				return false
			}
		}
		return true
	})

	leader.StartGame(protocol.DifficultyMedium)

	for _, l := range []*lobby.Lobby{leader, peer} {
		s := waitLobby(t, l, "round start", func(s lobby.State) bool { return s.Started })
		if s.Difficulty != protocol.DifficultyMedium {
			t.Fatalf("difficulty = %q", s.Difficulty)
		}
	}
}

func TestEndToEnd_PositionsAndRoundOver(t *testing.T) {
	srv := startServer(t)

	leader, _ := newClient(t, srv)
	if err := leader.JoinLobby("RUN42", "Sam", "#ef4444", true); err != nil {
		t.Fatalf("leader join: %v", err)
	}
	peer, _ := newClient(t, srv)
	if err := peer.JoinLobby("RUN42", "Ana", "#22c55e", false); err != nil {
		t.Fatalf("peer join: %v", err)
	}
	waitLobby(t, leader, "membership", func(s lobby.State) bool { return len(s.Players) == 2 })
	waitLobby(t, peer, "membership", func(s lobby.State) bool { return len(s.Players) == 2 })

	leader.SetReady(true)
	peer.SetReady(true)
	waitLobby(t, leader, "ready", func(s lobby.State) bool {
		for _, p := range s.Players {
			if !p.Ready {
				return false
			}
		}
		return true
	})
	leader.StartGame(protocol.DifficultyHard)
	waitLobby(t, peer, "start", func(s lobby.State) bool { return s.Started })

	peer.UpdatePosition(250, 12)
	peerID := peer.Snapshot().Self.ID
	waitLobby(t, leader, "peer position", func(s lobby.State) bool {
		return s.Positions[peerID].X == 250
	})

	peer.AnnounceDeath(nil)
	dist := 180.0
	leader.AnnounceDeath(&dist)

	// Everyone dead: the leader publishes the standings and the
	// round resets on both sides.
	for _, l := range []*lobby.Lobby{leader, peer} {
		s := waitLobby(t, l, "round over", func(s lobby.State) bool {
			return !s.Started && len(s.RoundResults) == 2
		})
		byID := map[string]float64{}
		for _, r := range s.RoundResults {
			byID[r.PlayerID] = r.Distance
		}
		if byID[peerID] != 250 {
			t.Fatalf("peer distance = %v", byID[peerID])
		}
	}
}

func TestEndToEnd_LeaveRemovesFromPeers(t *testing.T) {
	srv := startServer(t)

	leader, _ := newClient(t, srv)
	if err := leader.JoinLobby("BYE99", "Sam", "#ef4444", true); err != nil {
		t.Fatalf("leader join: %v", err)
	}
	peer, _ := newClient(t, srv)
	if err := peer.JoinLobby("BYE99", "Ana", "#22c55e", false); err != nil {
		t.Fatalf("peer join: %v", err)
	}
	waitLobby(t, leader, "membership", func(s lobby.State) bool { return len(s.Players) == 2 })

	peer.LeaveLobby()

	waitLobby(t, leader, "peer removal", func(s lobby.State) bool { return len(s.Players) == 1 })
}

func TestHealthz(t *testing.T) {
	srv := startServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}
