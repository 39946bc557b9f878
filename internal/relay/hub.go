// Package relay is a self-hostable group-broadcast hub speaking the
// same envelope protocol as the managed pub/sub service, so clients
// can point at either. One group per lobby code; sendToGroup fans out
// to every other member of the group. There is no server-side
// authority here: the hub never inspects domain payloads.
package relay

import (
	"context"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/protocol"
)

type Msg interface{ isHubMsg() }

type register struct{ C *Client }

type unregister struct{ C *Client }

type joinGroup struct {
	C     *Client
	Group string
}

type leaveGroup struct {
	C     *Client
	Group string
}

type broadcast struct {
	From     *Client
	Group    string
	Data     json.RawMessage
	DataType string
}

// GetStats is a test-only reflection of hub internals.
type GetStats struct{ Reply chan Stats }

type Shutdown struct{}

func (register) isHubMsg()   {}
func (unregister) isHubMsg() {}
func (joinGroup) isHubMsg()  {}
func (leaveGroup) isHubMsg() {}
func (broadcast) isHubMsg()  {}
func (GetStats) isHubMsg()   {}
func (Shutdown) isHubMsg()   {}

type Stats struct {
	Connections int
	GroupSizes  map[string]int
}

// Client is one websocket connection registered with the hub.
type Client struct {
	ID   string
	User string
	out  chan []byte
}

// Hub owns group membership and fan-out. All state lives on the loop
// goroutine; everything talks to it through the inbox.
type Hub struct {
	inbox   chan Msg
	clients map[*Client]map[string]bool // client -> joined groups
	groups  map[string]map[*Client]bool
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 64),
		clients: make(map[*Client]map[string]bool),
		groups:  make(map[string]map[*Client]bool),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case register:
				h.clients[msg.C] = make(map[string]bool)

			case unregister:
				h.drop(msg.C)

			case joinGroup:
				if groups, ok := h.clients[msg.C]; ok {
					groups[msg.Group] = true
					if h.groups[msg.Group] == nil {
						h.groups[msg.Group] = make(map[*Client]bool)
					}
					h.groups[msg.Group][msg.C] = true
					h.log.Debug("joined group",
						zap.String("group", msg.Group), zap.String("user", msg.C.User))
				}

			case leaveGroup:
				if groups, ok := h.clients[msg.C]; ok {
					delete(groups, msg.Group)
				}
				h.removeFromGroup(msg.C, msg.Group)

			case broadcast:
				h.fanOut(msg)

			case GetStats:
				sizes := make(map[string]int, len(h.groups))
				for name, members := range h.groups {
					sizes[name] = len(members)
				}
				msg.Reply <- Stats{Connections: len(h.clients), GroupSizes: sizes}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) fanOut(msg broadcast) {
	members := h.groups[msg.Group]
	if len(members) == 0 {
		return
	}

	frame, err := protocol.Envelope{
		Type:     protocol.TypeMessage,
		From:     "group",
		Group:    msg.Group,
		Data:     msg.Data,
		DataType: msg.DataType,
	}.Encode()
	if err != nil {
		h.log.Warn("encode frame", zap.Error(err))
		return
	}

	for c := range members {
		if c == msg.From {
			continue // no echo to the sender
		}
		select {
		case c.out <- frame:
		default:
			// Slow or dead consumer: drop the connection rather
			// than block the hub.
			h.log.Warn("dropping slow client", zap.String("user", c.User))
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	groups, ok := h.clients[c]
	if !ok {
		return
	}
	for g := range groups {
		h.removeFromGroup(c, g)
	}
	delete(h.clients, c)
	close(c.out)
}

func (h *Hub) removeFromGroup(c *Client, group string) {
	members := h.groups[group]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) shutdown() {
	for c := range h.clients {
		h.drop(c)
	}
	h.cancel()
}
