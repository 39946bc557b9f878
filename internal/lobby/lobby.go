// Package lobby is the client-side interpreter of the lobby protocol.
// Each client owns its state exclusively; consistency between clients
// comes only from message exchange through the relay group, with the
// leader's periodic full-players snapshot as the anti-entropy
// mechanism. All mutation runs on one loop goroutine, so inbound
// messages and local commands are strictly serialized.
package lobby

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockparty/lobby-backend/internal/directory"
	"github.com/blockparty/lobby-backend/internal/protocol"
)

const (
	// Members silent for three keepalive intervals are considered
	// gone and evicted by the leader.
	defaultEvictEvery = 15 * time.Second
	defaultEvictAfter = 45 * time.Second

	placeholderName  = "Player"
	placeholderColor = "#4f46e5"
)

// Connector is the transport the lobby speaks through. Satisfied by
// transport.Session.
type Connector interface {
	Connect(ctx context.Context, lobbyCode string, self protocol.Player) error
	Send(msg protocol.Message)
	Inbound() <-chan protocol.Message
	Close()
}

// Advertiser publishes discovery adverts. Satisfied by
// directory.Client. May be nil when no directory is configured.
type Advertiser interface {
	Advertise(ad directory.Advert)
}

// Position is a peer's last reported simulation position.
type Position struct {
	X  float64
	Y  float64
	At time.Time
}

// State is the lobby as this client sees it. Players keeps join
// order. Self, when present, mirrors the entry in Players with the
// matching id.
type State struct {
	LobbyCode    string
	Players      []protocol.Player
	Started      bool
	Difficulty   protocol.Difficulty
	Self         *protocol.Player
	Positions    map[string]Position
	Distances    map[string]float64
	RoundResults []protocol.Result
}

type Msg interface{ isLobbyMsg() }

type joinCmd struct {
	Code     string
	Name     string
	Color    string
	IsLeader bool
	Reply    chan error
}

type readyCmd struct{ Ready bool }

type difficultyCmd struct{ Difficulty protocol.Difficulty }

type startCmd struct{ Difficulty protocol.Difficulty }

type leaveCmd struct{ Done chan struct{} }

type posCmd struct{ X, Y float64 }

type deathCmd struct{ Distance *float64 }

type getState struct{ Reply chan State }

func (joinCmd) isLobbyMsg()       {}
func (readyCmd) isLobbyMsg()      {}
func (difficultyCmd) isLobbyMsg() {}
func (startCmd) isLobbyMsg()      {}
func (leaveCmd) isLobbyMsg()      {}
func (posCmd) isLobbyMsg()        {}
func (deathCmd) isLobbyMsg()      {}
func (getState) isLobbyMsg()      {}

// Lobby runs the state machine. Construct with NewLobby; interact
// through the command methods, which serialize onto the loop.
type Lobby struct {
	conn Connector
	dir  Advertiser
	log  *zap.Logger

	inbox   chan Msg
	updates chan State

	state    State
	lastSeen map[string]time.Time

	evictEvery time.Duration
	evictAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLobby(parent context.Context, conn Connector, dir Advertiser, log *zap.Logger) *Lobby {
	return newLobby(parent, conn, dir, log, defaultEvictEvery, defaultEvictAfter)
}

func newLobby(parent context.Context, conn Connector, dir Advertiser, log *zap.Logger, evictEvery, evictAfter time.Duration) *Lobby {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		conn:       conn,
		dir:        dir,
		log:        log,
		inbox:      make(chan Msg, 64),
		updates:    make(chan State, 8),
		state:      emptyState(),
		lastSeen:   make(map[string]time.Time),
		evictEvery: evictEvery,
		evictAfter: evictAfter,
		ctx:        ctx,
		cancel:     cancel,
	}
	go l.loop()
	return l
}

func emptyState() State {
	return State{
		Positions: make(map[string]Position),
		Distances: make(map[string]float64),
	}
}

// Updates carries a state copy after every applied mutation. Slow
// consumers miss intermediate states, never the loop.
func (l *Lobby) Updates() <-chan State { return l.updates }

// JoinLobby seeds the local player, registers the lobby as open in the
// directory when creating as leader, and connects the transport. The
// returned error is the connect result; local state is seeded either
// way, matching the optimistic-first design.
func (l *Lobby) JoinLobby(code, name, color string, isLeader bool) error {
	reply := make(chan error, 1)
	l.post(joinCmd{Code: code, Name: name, Color: color, IsLeader: isLeader, Reply: reply})
	select {
	case err := <-reply:
		return err
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

// SetReady toggles local readiness and broadcasts it. Leaders follow
// up with a full snapshot for peers that missed the discrete message.
func (l *Lobby) SetReady(ready bool) { l.post(readyCmd{Ready: ready}) }

// SetDifficulty adopts and broadcasts a difficulty selection. Not
// restricted to the leader; the protocol is trust-based.
func (l *Lobby) SetDifficulty(d protocol.Difficulty) { l.post(difficultyCmd{Difficulty: d}) }

// StartGame begins a round. Silent no-op unless the local player is
// the leader and every known player is ready.
func (l *Lobby) StartGame(d protocol.Difficulty) { l.post(startCmd{Difficulty: d}) }

// LeaveLobby withdraws the directory advert, announces the departure
// to peers, closes the transport and resets local state. Blocks until
// the reset has applied.
func (l *Lobby) LeaveLobby() {
	done := make(chan struct{})
	l.post(leaveCmd{Done: done})
	select {
	case <-done:
	case <-l.ctx.Done():
	}
}

// UpdatePosition broadcasts the local player's simulation position.
// Fire and forget; peers reconcile last-write-wins by arrival.
func (l *Lobby) UpdatePosition(x, y float64) { l.post(posCmd{X: x, Y: y}) }

// AnnounceDeath ends the local player's run, broadcasting the final
// distance. Without an override the last known local x-position is
// used.
func (l *Lobby) AnnounceDeath(distance *float64) { l.post(deathCmd{Distance: distance}) }

// Snapshot returns a copy of the current state.
func (l *Lobby) Snapshot() State {
	reply := make(chan State, 1)
	l.post(getState{Reply: reply})
	select {
	case s := <-reply:
		return s
	case <-l.ctx.Done():
		return emptyState()
	}
}

// Close tears the lobby down without the leave protocol; use
// LeaveLobby for an orderly exit.
func (l *Lobby) Close() {
	l.cancel()
	l.conn.Close()
}

func (l *Lobby) post(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.ctx.Done():
	}
}

func (l *Lobby) loop() {
	evict := time.NewTicker(l.evictEvery)
	defer evict.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case m := <-l.inbox:
			l.handleCommand(m)
		case pm := <-l.conn.Inbound():
			l.handleMessage(pm)
		case <-evict.C:
			l.evictStale()
		}
	}
}

func (l *Lobby) handleCommand(m Msg) {
	switch cmd := m.(type) {
	case joinCmd:
		l.handleJoinCmd(cmd)
	case readyCmd:
		l.handleReadyCmd(cmd)
	case difficultyCmd:
		l.state.Difficulty = cmd.Difficulty
		l.send(protocol.Message{Kind: protocol.KindDifficulty, LobbyCode: l.state.LobbyCode, Difficulty: cmd.Difficulty})
		l.notify()
	case startCmd:
		l.handleStartCmd(cmd)
	case leaveCmd:
		l.handleLeaveCmd(cmd)
	case posCmd:
		l.handlePosCmd(cmd)
	case deathCmd:
		l.handleDeathCmd(cmd)
	case getState:
		cmd.Reply <- l.copyState()
	}
}

func (l *Lobby) handleJoinCmd(cmd joinCmd) {
	self := protocol.Player{
		ID:       uuid.NewString(),
		Name:     cmd.Name,
		Color:    cmd.Color,
		IsLeader: cmd.IsLeader,
		Alive:    true,
	}
	l.state = emptyState()
	l.state.LobbyCode = cmd.Code
	l.state.Self = &self
	l.state.Players = []protocol.Player{self}
	l.lastSeen = map[string]time.Time{self.ID: time.Now()}

	if cmd.IsLeader {
		l.advertise(directory.StatusOpen)
	}

	// The transport announces self with a join message once the
	// group is joined.
	err := l.conn.Connect(l.ctx, cmd.Code, self)
	if err != nil {
		l.log.Warn("connect failed", zap.String("code", cmd.Code), zap.Error(err))
	}
	l.notify()
	cmd.Reply <- err
}

func (l *Lobby) handleReadyCmd(cmd readyCmd) {
	if l.state.Self == nil {
		return
	}
	l.state.Self.Ready = cmd.Ready
	if p := l.find(l.state.Self.ID); p != nil {
		p.Ready = cmd.Ready
	}
	l.send(protocol.Message{
		Kind:      protocol.KindReady,
		LobbyCode: l.state.LobbyCode,
		PlayerID:  l.state.Self.ID,
		Ready:     cmd.Ready,
	})
	if l.state.Self.IsLeader {
		l.sendSnapshot()
	}
	l.notify()
}

func (l *Lobby) handleStartCmd(cmd startCmd) {
	if l.state.Self == nil || !l.state.Self.IsLeader || !l.allReady() {
		return
	}
	l.state.Started = true
	l.state.Difficulty = cmd.Difficulty
	l.state.Distances = make(map[string]float64)
	l.state.RoundResults = nil
	l.send(protocol.Message{
		Kind:       protocol.KindStarted,
		LobbyCode:  l.state.LobbyCode,
		Started:    true,
		Difficulty: cmd.Difficulty,
	})
	l.advertise(directory.StatusStarted)
	l.notify()
}

func (l *Lobby) handleLeaveCmd(cmd leaveCmd) {
	if l.state.Self != nil {
		l.send(protocol.Message{
			Kind:      protocol.KindLeave,
			LobbyCode: l.state.LobbyCode,
			PlayerID:  l.state.Self.ID,
		})
		if l.state.Self.IsLeader {
			l.advertise(directory.StatusClosed)
		} else if leader := l.leader(); leader != nil && l.dir != nil {
			count := len(l.state.Players) - 1
			if count < 1 {
				count = 1
			}
			l.dir.Advertise(directory.Advert{
				LobbyCode:    l.state.LobbyCode,
				LeaderID:     leader.ID,
				LeaderName:   leader.Name,
				Color:        leader.Color,
				Status:       directory.StatusOpen,
				PlayersCount: count,
			})
		}
	}
	l.conn.Close()
	l.state = emptyState()
	l.lastSeen = make(map[string]time.Time)
	l.notify()
	close(cmd.Done)
}

func (l *Lobby) handlePosCmd(cmd posCmd) {
	if l.state.Self == nil {
		return
	}
	l.state.Positions[l.state.Self.ID] = Position{X: cmd.X, Y: cmd.Y, At: time.Now()}
	l.send(protocol.Message{
		Kind:      protocol.KindPos,
		LobbyCode: l.state.LobbyCode,
		PlayerID:  l.state.Self.ID,
		X:         cmd.X,
		Y:         cmd.Y,
	})
	l.notify()
}

func (l *Lobby) handleDeathCmd(cmd deathCmd) {
	if l.state.Self == nil {
		return
	}
	distance := l.state.Positions[l.state.Self.ID].X
	if cmd.Distance != nil {
		distance = *cmd.Distance
	}
	l.send(protocol.Message{
		Kind:      protocol.KindDead,
		LobbyCode: l.state.LobbyCode,
		PlayerID:  l.state.Self.ID,
		Distance:  distance,
	})
	l.applyDead(l.state.Self.ID, distance)
	l.notify()
}

func (l *Lobby) handleMessage(msg protocol.Message) {
	l.touch(msg)

	switch msg.Kind {
	case protocol.KindJoin:
		l.handleJoinMsg(msg)
	case protocol.KindLeave:
		l.handleLeaveMsg(msg)
	case protocol.KindReady:
		if p := l.find(msg.PlayerID); p != nil {
			p.Ready = msg.Ready
		}
	case protocol.KindStarted:
		l.state.Started = msg.Started
		if msg.Difficulty != "" {
			l.state.Difficulty = msg.Difficulty
		}
	case protocol.KindDifficulty:
		if msg.Difficulty != "" {
			l.state.Difficulty = msg.Difficulty
		}
	case protocol.KindPos:
		l.handlePosMsg(msg)
	case protocol.KindDead:
		l.applyDead(msg.PlayerID, msg.Distance)
	case protocol.KindRoundOver:
		l.applyRoundOver(msg.Results)
	case protocol.KindPlayers:
		l.applyPlayers(msg.Players)
	case protocol.KindState:
		l.handleStateMsg(msg)
	case protocol.KindPing:
		// Liveness only; touch above already recorded it.
		return
	default:
		l.log.Debug("unknown message kind", zap.String("kind", msg.Kind))
		return
	}
	l.notify()
}

func (l *Lobby) handleJoinMsg(msg protocol.Message) {
	if msg.Player == nil || msg.Player.ID == "" {
		return
	}
	if l.find(msg.Player.ID) == nil {
		p := *msg.Player
		p.Alive = true
		l.state.Players = append(l.state.Players, p)
		l.lastSeen[p.ID] = time.Now()
	}
	// The leader answers every observed join with a full snapshot so
	// late joiners converge, and keeps the directory count fresh.
	if l.isLeader() {
		l.sendSnapshot()
		status := directory.StatusOpen
		if l.state.Started {
			status = directory.StatusStarted
		}
		l.advertise(status)
	}
}

func (l *Lobby) handleLeaveMsg(msg protocol.Message) {
	if msg.PlayerID == "" || l.find(msg.PlayerID) == nil {
		return
	}
	l.removePlayer(msg.PlayerID)
	if l.isLeader() {
		l.sendSnapshot()
		l.advertise(directory.StatusOpen)
	}
}

func (l *Lobby) handlePosMsg(msg protocol.Message) {
	if msg.PlayerID == "" {
		return
	}
	// An unknown sender gets a placeholder entry rather than a
	// dropped message; the next snapshot fills in the real details.
	if l.find(msg.PlayerID) == nil {
		l.state.Players = append(l.state.Players, protocol.Player{
			ID:    msg.PlayerID,
			Name:  placeholderName,
			Color: placeholderColor,
			Alive: true,
		})
		l.lastSeen[msg.PlayerID] = time.Now()
	}
	l.state.Positions[msg.PlayerID] = Position{X: msg.X, Y: msg.Y, At: time.Now()}
}

func (l *Lobby) handleStateMsg(msg protocol.Message) {
	if msg.State == nil {
		return
	}
	// Legacy generic patch: shallow merge of the named top-level
	// fields only.
	if msg.State.Players != nil {
		l.applyPlayers(*msg.State.Players)
	}
	if msg.State.Started != nil {
		l.state.Started = *msg.State.Started
	}
	if msg.State.Difficulty != nil {
		l.state.Difficulty = *msg.State.Difficulty
	}
}

func (l *Lobby) applyDead(playerID string, distance float64) {
	if playerID == "" {
		return
	}
	p := l.find(playerID)
	if p == nil {
		return
	}
	wasAlive := p.Alive
	p.Alive = false
	l.state.Distances[playerID] = distance
	if l.state.Self != nil && l.state.Self.ID == playerID {
		l.state.Self.Alive = false
	}

	// The leader closes the round exactly once: on the transition
	// that leaves nobody alive.
	if wasAlive && l.isLeader() && l.allDead() {
		results := make([]protocol.Result, 0, len(l.state.Players))
		for _, pl := range l.state.Players {
			results = append(results, protocol.Result{
				PlayerID: pl.ID,
				Name:     pl.Name,
				Distance: l.state.Distances[pl.ID],
			})
		}
		l.send(protocol.Message{
			Kind:      protocol.KindRoundOver,
			LobbyCode: l.state.LobbyCode,
			Results:   results,
		})
		l.applyRoundOver(results)
	}
}

func (l *Lobby) applyRoundOver(results []protocol.Result) {
	l.state.Started = false
	for i := range l.state.Players {
		l.state.Players[i].Ready = false
		l.state.Players[i].Alive = true
	}
	if l.state.Self != nil {
		l.state.Self.Ready = false
		l.state.Self.Alive = true
	}
	l.state.RoundResults = append([]protocol.Result(nil), results...)
}

func (l *Lobby) applyPlayers(players []protocol.Player) {
	now := time.Now()
	replaced := make([]protocol.Player, 0, len(players))
	for _, p := range players {
		replaced = append(replaced, p)
		if _, ok := l.lastSeen[p.ID]; !ok {
			l.lastSeen[p.ID] = now
		}
	}
	l.state.Players = replaced

	// Keep self pointing at its entry. If the snapshot dropped us
	// (e.g. the leader evicted a silent member that was in fact
	// alive), re-append; the next join/snapshot round-trip settles it.
	if l.state.Self != nil {
		if p := l.find(l.state.Self.ID); p != nil {
			*l.state.Self = *p
		} else {
			l.state.Players = append(l.state.Players, *l.state.Self)
		}
	}
}

func (l *Lobby) evictStale() {
	// Drop bookkeeping for senders that never made it into Players,
	// e.g. a stray ping from a peer whose join we never saw.
	for id := range l.lastSeen {
		if l.find(id) == nil {
			delete(l.lastSeen, id)
		}
	}

	if !l.isLeader() || len(l.state.Players) == 0 {
		return
	}
	cutoff := time.Now().Add(-l.evictAfter)
	var evicted bool
	for _, p := range append([]protocol.Player(nil), l.state.Players...) {
		if l.state.Self != nil && p.ID == l.state.Self.ID {
			continue
		}
		seen, ok := l.lastSeen[p.ID]
		if !ok || seen.Before(cutoff) {
			l.log.Info("evicting silent member", zap.String("player", p.ID), zap.String("name", p.Name))
			l.removePlayer(p.ID)
			evicted = true
		}
	}
	if evicted {
		l.sendSnapshot()
		status := directory.StatusOpen
		if l.state.Started {
			status = directory.StatusStarted
		}
		l.advertise(status)
		l.notify()
	}
}

func (l *Lobby) removePlayer(id string) {
	players := l.state.Players[:0]
	for _, p := range l.state.Players {
		if p.ID != id {
			players = append(players, p)
		}
	}
	l.state.Players = players
	delete(l.state.Positions, id)
	delete(l.state.Distances, id)
	delete(l.lastSeen, id)
}

func (l *Lobby) sendSnapshot() {
	l.send(protocol.Message{
		Kind:      protocol.KindPlayers,
		LobbyCode: l.state.LobbyCode,
		Players:   append([]protocol.Player(nil), l.state.Players...),
	})
}

func (l *Lobby) advertise(status string) {
	if l.dir == nil || l.state.Self == nil {
		return
	}
	l.dir.Advertise(directory.Advert{
		LobbyCode:    l.state.LobbyCode,
		LeaderID:     l.state.Self.ID,
		LeaderName:   l.state.Self.Name,
		Color:        l.state.Self.Color,
		Status:       status,
		PlayersCount: len(l.state.Players),
	})
}

func (l *Lobby) send(msg protocol.Message) { l.conn.Send(msg) }

func (l *Lobby) touch(msg protocol.Message) {
	id := msg.PlayerID
	if id == "" && msg.Player != nil {
		id = msg.Player.ID
	}
	if id != "" {
		l.lastSeen[id] = time.Now()
	}
}

func (l *Lobby) find(id string) *protocol.Player {
	for i := range l.state.Players {
		if l.state.Players[i].ID == id {
			return &l.state.Players[i]
		}
	}
	return nil
}

func (l *Lobby) leader() *protocol.Player {
	for i := range l.state.Players {
		if l.state.Players[i].IsLeader {
			return &l.state.Players[i]
		}
	}
	return nil
}

func (l *Lobby) isLeader() bool {
	return l.state.Self != nil && l.state.Self.IsLeader
}

func (l *Lobby) allReady() bool {
	if len(l.state.Players) == 0 {
		return false
	}
	for _, p := range l.state.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (l *Lobby) allDead() bool {
	if len(l.state.Players) == 0 {
		return false
	}
	for _, p := range l.state.Players {
		if p.Alive {
			return false
		}
	}
	return true
}

func (l *Lobby) copyState() State {
	s := State{
		LobbyCode:  l.state.LobbyCode,
		Players:    append([]protocol.Player(nil), l.state.Players...),
		Started:    l.state.Started,
		Difficulty: l.state.Difficulty,
		Positions:  make(map[string]Position, len(l.state.Positions)),
		Distances:  make(map[string]float64, len(l.state.Distances)),
	}
	if l.state.Self != nil {
		self := *l.state.Self
		s.Self = &self
	}
	for id, pos := range l.state.Positions {
		s.Positions[id] = pos
	}
	for id, d := range l.state.Distances {
		s.Distances[id] = d
	}
	s.RoundResults = append([]protocol.Result(nil), l.state.RoundResults...)
	return s
}

func (l *Lobby) notify() {
	select {
	case l.updates <- l.copyState():
	default:
	}
}
