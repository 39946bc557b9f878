// Package transport owns one live connection to the pub/sub relay for
// the current lobby membership. It negotiates an access URL, dials the
// relay, joins the lobby's group, and shuttles domain messages both
// ways. A session that fails is not restarted in place; the caller
// builds a fresh one and connects again.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/protocol"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

const (
	// KeepaliveInterval is how often a connected session pings its
	// group so intermediate infrastructure doesn't reclaim the socket
	// as idle. Peers also use pings to refresh liveness.
	KeepaliveInterval = 15 * time.Second

	// maxPending bounds the outbound buffer kept while connecting.
	// Overflow drops the oldest message.
	maxPending = 64

	writeTimeout = 3 * time.Second
)

var (
	ErrNegotiateFailed = errors.New("negotiate failed")
	ErrNotIdle         = errors.New("session already used")
)

// Session is one relay connection. Zero or one Connect per session.
type Session struct {
	negotiateURL string
	hub          string
	httpc        *http.Client
	log          *zap.Logger

	inbound chan protocol.Message

	mu      sync.Mutex
	state   State
	reason  string
	conn    *websocket.Conn
	group   string
	selfID  string
	pending []protocol.Message
	cancel  context.CancelFunc
}

// NewSession builds an idle session. negotiateURL is the token
// endpoint; hub names the pub/sub namespace.
func NewSession(negotiateURL, hub string, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		negotiateURL: negotiateURL,
		hub:          hub,
		httpc:        &http.Client{},
		log:          log,
		inbound:      make(chan protocol.Message, 64),
		state:        StateIdle,
	}
}

// Inbound delivers domain messages received from the group. The
// channel is never closed; consumers select against their own done
// signal.
func (s *Session) Inbound() <-chan protocol.Message { return s.inbound }

// State reports the connection state and, in the error state, a
// human-readable reason.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Connect negotiates an access URL, dials the relay, joins the lobby's
// group and announces self with a join message. Failure is terminal
// for this attempt: the session lands in the error state and the
// caller decides whether to retry with a new Connect.
func (s *Session) Connect(ctx context.Context, lobbyCode string, self protocol.Player) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateError {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.state = StateConnecting
	s.reason = ""
	s.group = lobbyCode
	s.selfID = self.ID
	s.mu.Unlock()

	wsURL, err := s.negotiate(ctx, self.ID)
	if err != nil {
		s.fail(err.Error())
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.fail(fmt.Sprintf("dial: %v", err))
		return err
	}

	joinGroup, err := protocol.NewJoinGroup(lobbyCode).Encode()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode")
		s.fail(err.Error())
		return err
	}
	wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, joinGroup)
	wcancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join group")
		s.fail(fmt.Sprintf("join group: %v", err))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.state = StateConnected
	flush := s.pending
	s.pending = nil
	s.mu.Unlock()

	// Announce self first, then anything buffered while connecting.
	s.write(protocol.Message{Kind: protocol.KindJoin, LobbyCode: lobbyCode, Player: &self})
	for _, msg := range flush {
		s.write(msg)
	}

	go s.readLoop(runCtx, conn)
	go s.keepalive(runCtx)
	return nil
}

// Send broadcasts a domain message to the group. While connecting the
// message is buffered (bounded, drop-oldest); while idle or errored it
// is silently dropped, matching the no-reconnect design.
func (s *Session) Send(msg protocol.Message) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		if len(s.pending) >= maxPending {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	case StateConnected:
		s.mu.Unlock()
		s.write(msg)
		return
	default:
		s.mu.Unlock()
	}
}

// Close releases the socket and timers on every exit path: explicit
// leave, teardown, or replacement by a new session.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	if s.state == StateConnected || s.state == StateConnecting {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (s *Session) negotiate(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(struct {
		UserID string `json:"userId"`
		Hub    string `json:"hub,omitempty"`
	}{UserID: userID, Hub: s.hub})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.negotiateURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiateFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrNegotiateFailed, resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNegotiateFailed, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%w: no url in response", ErrNegotiateFailed)
	}
	return out.URL, nil
}

func (s *Session) write(msg protocol.Message) {
	s.mu.Lock()
	conn := s.conn
	group := s.group
	s.mu.Unlock()
	if conn == nil {
		return
	}

	env, err := protocol.NewGroupSend(group, msg)
	if err != nil {
		s.log.Warn("encode outbound", zap.String("kind", msg.Kind), zap.Error(err))
		return
	}
	raw, err := env.Encode()
	if err != nil {
		s.log.Warn("encode envelope", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		s.log.Debug("write failed", zap.String("kind", msg.Kind), zap.Error(err))
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.fail("connection closed")
			default:
				if ctx.Err() != nil {
					return // closed locally
				}
				s.fail(fmt.Sprintf("read: %v", err))
			}
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			// Best effort: the relay is trusted, malformed frames
			// are dropped without surfacing an error.
			s.log.Debug("malformed envelope", zap.Error(err))
			continue
		}
		msg, ok := env.DomainMessage()
		if !ok {
			continue
		}

		select {
		case s.inbound <- msg:
		default:
			s.log.Warn("inbound full, dropping", zap.String("kind", msg.Kind))
		}
	}
}

func (s *Session) keepalive(ctx context.Context) {
	t := time.NewTicker(KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Send(protocol.Message{Kind: protocol.KindPing, PlayerID: s.selfID})
		}
	}
}

func (s *Session) fail(reason string) {
	s.mu.Lock()
	// A session already released by Close stays idle; only live
	// attempts land in the error state.
	if s.state == StateConnecting || s.state == StateConnected {
		s.state = StateError
		s.reason = reason
	}
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "error")
	}
	s.log.Debug("session error", zap.String("reason", reason))
}
