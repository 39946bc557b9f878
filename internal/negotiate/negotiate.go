// Package negotiate issues the time-limited access URLs clients use
// to dial the relay. The URL embeds a signed token scoped to one hub
// with broadcast and join/leave-group capabilities.
package negotiate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenTTL bounds how long a minted access URL stays usable.
const TokenTTL = time.Hour

var tokenRoles = []string{"webpubsub.sendToGroup", "webpubsub.joinLeaveGroup"}

// Config for the handler. Endpoint is the relay's websocket base,
// e.g. "ws://localhost:8080"; DefaultHub is used when the request
// names none.
type Config struct {
	Endpoint   string
	DefaultHub string
	Secret     string
}

// Handler serves POST /api/negotiate: {userId, hub?} -> {url}.
// Anonymous callers get a generated guest identity, matching the
// opaque-session-identifier trust model.
func Handler(cfg Config, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			UserID string `json:"userId"`
			Hub    string `json:"hub"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&in) // empty body is fine
		}
		if in.Hub == "" {
			in.Hub = r.URL.Query().Get("hub")
		}
		if in.Hub == "" {
			in.Hub = cfg.DefaultHub
		}
		if in.UserID == "" {
			in.UserID = guestID()
		}

		token, err := mint(cfg.Secret, in.UserID, in.Hub)
		if err != nil {
			log.Error("mint token", zap.Error(err))
			http.Error(w, "failed to generate client access URL", http.StatusInternalServerError)
			return
		}

		wsURL := fmt.Sprintf("%s/client/hubs/%s?access_token=%s",
			strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(in.Hub), url.QueryEscape(token))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			URL string `json:"url"`
		}{URL: wsURL})
	}
}

func mint(secret, userID, hub string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"aud":   hub,
		"iat":   now.Unix(),
		"exp":   now.Add(TokenTTL).Unix(),
		"roles": tokenRoles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func guestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "guest-" + hex.EncodeToString(b)
}
