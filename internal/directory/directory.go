// Package directory is the shared discovery list of open lobbies:
// a client for advertising and browsing, and the service side that
// stores entries. Entries are never deleted, only filtered out by
// status and staleness.
package directory

import "time"

const (
	StatusOpen    = "open"
	StatusStarted = "started"
	StatusClosed  = "closed"
)

// DefaultTTL is the staleness window for listing open lobbies.
const DefaultTTL = 30 * time.Minute

// Advert is one upsert of a lobby's discovery row.
type Advert struct {
	LobbyCode    string `json:"lobbyCode"`
	LeaderID     string `json:"leaderId"`
	LeaderName   string `json:"leaderName"`
	Color        string `json:"color"`
	Status       string `json:"status"`
	PlayersCount int    `json:"playersCount"`
}

// Entry is one listed lobby as returned to browsers.
type Entry struct {
	LobbyCode    string    `json:"lobbyCode"`
	LeaderID     string    `json:"leaderId"`
	LeaderName   string    `json:"leaderName"`
	Color        string    `json:"color"`
	Status       string    `json:"status"`
	PlayersCount int       `json:"playersCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
	CreatedAt    time.Time `json:"createdAt"`
}
