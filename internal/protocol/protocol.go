// Package protocol defines the lobby wire protocol: the kind-tagged
// domain messages exchanged between lobby members and the relay
// envelope frames they travel in.
package protocol

import (
	json "github.com/goccy/go-json"
)

// Message kinds. Every domain message carries exactly one of these in
// its Kind field.
const (
	KindJoin       = "join"
	KindLeave      = "leave"
	KindReady      = "ready"
	KindStarted    = "started"
	KindDifficulty = "difficulty"
	KindPos        = "pos"
	KindDead       = "dead"
	KindRoundOver  = "roundOver"
	KindPlayers    = "players"
	KindState      = "state"
	KindPing       = "ping"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Player is one lobby member as seen on the wire. Exactly one player
// per lobby has IsLeader set: the creator.
type Player struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	Ready    bool   `json:"ready"`
	IsLeader bool   `json:"isLeader"`
	Alive    bool   `json:"alive"`
}

// Result is one row of a finished round's standings.
type Result struct {
	PlayerID string  `json:"playerId"`
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// StatePatch is the payload of the legacy "state" message: a shallow
// merge of named top-level lobby fields. Nil fields are left alone.
type StatePatch struct {
	Players    *[]Player   `json:"players,omitempty"`
	Started    *bool       `json:"started,omitempty"`
	Difficulty *Difficulty `json:"difficulty,omitempty"`
}

// Message is a flat union of every domain message's fields, the same
// shape the original clients broadcast. Which fields are meaningful
// depends on Kind; see the kind constants.
type Message struct {
	Kind       string      `json:"kind"`
	LobbyCode  string      `json:"lobbyCode,omitempty"`
	Player     *Player     `json:"player,omitempty"`
	Players    []Player    `json:"players,omitempty"`
	PlayerID   string      `json:"playerId,omitempty"`
	Ready      bool        `json:"ready,omitempty"`
	Started    bool        `json:"started,omitempty"`
	Difficulty Difficulty  `json:"difficulty,omitempty"`
	X          float64     `json:"x,omitempty"`
	Y          float64     `json:"y,omitempty"`
	Distance   float64     `json:"distance,omitempty"`
	Results    []Result    `json:"results,omitempty"`
	State      *StatePatch `json:"state,omitempty"`
}

// Envelope frame types. Clients send joinGroup/leaveGroup/sendToGroup;
// the relay delivers message frames.
const (
	TypeJoinGroup   = "joinGroup"
	TypeLeaveGroup  = "leaveGroup"
	TypeSendToGroup = "sendToGroup"
	TypeMessage     = "message"
)

// DataTypeJSON is the only dataType this protocol uses.
const DataTypeJSON = "json"

// Subprotocol is the websocket subprotocol both the relay and the
// managed pub/sub service speak.
const Subprotocol = "json.webpubsub.azure.v1"

// Envelope is a relay frame. Data is kept raw so the relay can fan
// frames out without understanding the domain payload.
type Envelope struct {
	Type     string          `json:"type"`
	Group    string          `json:"group,omitempty"`
	From     string          `json:"from,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	DataType string          `json:"dataType,omitempty"`
}

// NewJoinGroup builds the frame that subscribes the connection to a
// lobby's group.
func NewJoinGroup(group string) Envelope {
	return Envelope{Type: TypeJoinGroup, Group: group}
}

// NewLeaveGroup builds the frame that unsubscribes the connection.
func NewLeaveGroup(group string) Envelope {
	return Envelope{Type: TypeLeaveGroup, Group: group}
}

// NewGroupSend wraps a domain message for broadcast to a group.
func NewGroupSend(group string, msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeSendToGroup, Group: group, Data: data, DataType: DataTypeJSON}, nil
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DomainMessage extracts the domain payload from a delivered frame.
// It reports false for anything that is not a well-formed message
// frame; malformed frames are a drop, not an error, since the relay
// is a trusted collaborator.
func (e Envelope) DomainMessage() (Message, bool) {
	if e.Type != TypeMessage || len(e.Data) == 0 {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return Message{}, false
	}
	if msg.Kind == "" {
		return Message{}, false
	}
	return msg, true
}
