package relay

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/protocol"
)

// Handler serves GET /client/hubs/{hub}. Connections present the
// access token minted by the negotiate endpoint as an access_token
// query parameter; the token's audience must match the hub being
// dialed.
func Handler(h *Hub, secret string, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		hub := chi.URLParam(r, "hub")
		userID, ok := authorize(r.URL.Query().Get("access_token"), hub, secret)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{protocol.Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		c := &Client{
			ID:   uuid.NewString(),
			User: userID,
			out:  make(chan []byte, 16),
		}
		h.Inbox() <- register{C: c}
		defer func() { h.Inbox() <- unregister{C: c} }()

		// Writer goroutine; exits when the hub closes the outbox.
		go func() {
			for frame := range c.out {
				if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
					return
				}
			}
			conn.Close(websocket.StatusGoingAway, "dropped")
		}()

		for {
			_, raw, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read", zap.String("user", userID), zap.Error(err))
				}
				return
			}

			env, err := protocol.DecodeEnvelope(raw)
			if err != nil {
				continue // trusted collaborator policy: drop silently
			}
			switch env.Type {
			case protocol.TypeJoinGroup:
				if env.Group != "" {
					h.Inbox() <- joinGroup{C: c, Group: env.Group}
				}
			case protocol.TypeLeaveGroup:
				if env.Group != "" {
					h.Inbox() <- leaveGroup{C: c, Group: env.Group}
				}
			case protocol.TypeSendToGroup:
				if env.Group != "" && len(env.Data) > 0 {
					h.Inbox() <- broadcast{From: c, Group: env.Group, Data: env.Data, DataType: env.DataType}
				}
			}
		}
	}
}

func authorize(token, hub, secret string) (string, bool) {
	if token == "" || hub == "" {
		return "", false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithAudience(hub))
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
