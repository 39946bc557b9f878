package board

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// ListHandler serves GET /api/messages.
func ListHandler(store Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := store.List(r.Context())
		if err != nil {
			log.Error("list messages", zap.Error(err))
			http.Error(w, "failed to list messages", http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []Message{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Messages []Message `json:"messages"`
		}{Messages: msgs})
	}
}

// PostHandler serves POST /api/messages. Text is trimmed; empty after
// trimming is a client error.
func PostHandler(store Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}

		msg, err := store.Add(r.Context(), in.Text)
		switch {
		case errors.Is(err, ErrEmptyText):
			writeError(w, http.StatusBadRequest, ErrEmptyText.Error())
			return
		case errors.Is(err, ErrTextTooLong):
			writeError(w, http.StatusBadRequest, ErrTextTooLong.Error())
			return
		case err != nil:
			log.Error("add message", zap.Error(err))
			http.Error(w, "failed to add message", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(msg)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
