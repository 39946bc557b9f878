package directory

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UpsertHandler serves POST /api/lobby: a fire-and-forget advert from
// a lobby leader (or a leaving member adjusting the count).
func UpsertHandler(store Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ad Advert
		if err := json.NewDecoder(r.Body).Decode(&ad); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		code := strings.ToUpper(strings.TrimSpace(ad.LobbyCode))
		if code == "" {
			http.Error(w, "lobbyCode required", http.StatusBadRequest)
			return
		}
		status := strings.ToLower(ad.Status)
		if status == "" {
			status = StatusOpen
		}
		switch status {
		case StatusOpen, StatusStarted, StatusClosed:
		default:
			http.Error(w, "bad status", http.StatusBadRequest)
			return
		}
		color := ad.Color
		if color == "" {
			color = "#4f46e5"
		}
		count := ad.PlayersCount
		if count < 1 {
			count = 1
		}

		now := time.Now().UTC()
		rec := Record{
			LobbyCode:    code,
			LeaderID:     ad.LeaderID,
			LeaderName:   ad.LeaderName,
			Color:        color,
			Status:       status,
			PlayersCount: count,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := store.Upsert(r.Context(), rec); err != nil {
			log.Error("lobby upsert", zap.String("code", code), zap.Error(err))
			http.Error(w, "failed to upsert lobby", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			OK bool `json:"ok"`
		}{OK: true})
	}
}

// ListHandler serves GET /api/lobbies: open lobbies updated within the
// TTL window, newest first.
func ListHandler(store Store, ttl time.Duration, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cutoff := time.Now().UTC().Add(-ttl)
		recs, err := store.ListOpen(r.Context(), cutoff)
		if err != nil {
			log.Error("lobby list", zap.Error(err))
			http.Error(w, "failed to list lobbies", http.StatusInternalServerError)
			return
		}

		entries := make([]Entry, 0, len(recs))
		for _, rec := range recs {
			entries = append(entries, Entry{
				LobbyCode:    rec.LobbyCode,
				LeaderID:     rec.LeaderID,
				LeaderName:   rec.LeaderName,
				Color:        rec.Color,
				Status:       rec.Status,
				PlayersCount: rec.PlayersCount,
				UpdatedAt:    rec.UpdatedAt,
				CreatedAt:    rec.CreatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Lobbies []Entry `json:"lobbies"`
		}{Lobbies: entries})
	}
}
