// Package httpapi wires every HTTP surface onto one router: the
// negotiate endpoint, the lobby directory, the message board, the
// relay websocket endpoint and a health check.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/board"
	"github.com/blockparty/lobby-backend/internal/directory"
	"github.com/blockparty/lobby-backend/internal/negotiate"
	"github.com/blockparty/lobby-backend/internal/relay"
)

type Deps struct {
	Hub       *relay.Hub
	Directory directory.Store
	Board     board.Store
	Negotiate negotiate.Config
	LobbyTTL  time.Duration
	Log       *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	ttl := d.LobbyTTL
	if ttl <= 0 {
		ttl = directory.DefaultTTL
	}

	r := chi.NewRouter()

	r.Post("/api/negotiate", negotiate.Handler(d.Negotiate, log))
	r.Post("/api/lobby", directory.UpsertHandler(d.Directory, log))
	r.Get("/api/lobbies", directory.ListHandler(d.Directory, ttl, log))
	r.Get("/api/messages", board.ListHandler(d.Board, log))
	r.Post("/api/messages", board.PostHandler(d.Board, log))
	r.Get("/client/hubs/{hub}", relay.Handler(d.Hub, d.Negotiate.Secret, log))
	r.Get("/healthz", Healthz)

	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
