package world

import (
	"encoding/json"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/protocol"
)

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

// JoinResponse carries the WELCOME and the ENTITY spawns describing every live marker.
type JoinResponse struct {
	Welcome  protocol.WelcomeMsg
	Entities []protocol.EntityMsg
}

type chatRequest struct {
	SessionID string
	Text      string
}

type player struct {
	rt        *Runtime
	sessionID string
	name      string
	out       chan []byte
}

func (p *player) Name() string { return p.name }

// SendMessage queues a MSG line for this player. Main context only.
func (p *player) SendMessage(text string) {
	p.rt.send(p, mustJSON(protocol.MsgMsg{Type: protocol.TypeMsg, Text: text}))
}

type chatEvent struct {
	player    *player
	message   string
	cancelled bool
}

func (e *chatEvent) Player() host.Player { return e.player }

func (e *chatEvent) Message() string { return e.message }

func (e *chatEvent) Cancelled() bool { return e.cancelled }

func (e *chatEvent) SetCancelled(v bool) { e.cancelled = v }

// Join registers a player and blocks until the runtime answers. ok is false once the
// runtime has stopped.
func (r *Runtime) Join(req JoinRequest) (JoinResponse, bool) {
	if r.closed.Load() {
		return JoinResponse{}, false
	}
	if req.Resp == nil {
		req.Resp = make(chan JoinResponse, 1)
	}
	select {
	case r.join <- req:
	case <-r.stop:
		return JoinResponse{}, false
	}
	select {
	case resp := <-req.Resp:
		return resp, true
	case <-r.stop:
		return JoinResponse{}, false
	}
}

func (r *Runtime) Leave(sessionID string) {
	if r.closed.Load() {
		return
	}
	select {
	case r.leave <- sessionID:
	case <-r.stop:
	}
}

// Chat submits a chat line typed by the player with sessionID.
func (r *Runtime) Chat(sessionID, text string) bool {
	if r.closed.Load() {
		return false
	}
	select {
	case r.chat <- chatRequest{SessionID: sessionID, Text: text}:
		return true
	case <-r.stop:
		return false
	}
}

func (r *Runtime) handleJoin(req JoinRequest) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "player"
	}
	id, err := gonanoid.New()
	if err != nil {
		r.log.Error().Err(err).Msg("session id")
		id = gonanoid.Must(12)
	}
	p := &player{rt: r, sessionID: id, name: name, out: req.Out}
	r.players[id] = p
	r.nPlayers.Store(int64(len(r.players)))

	resp := JoinResponse{
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       id,
			PlayerName:      name,
			Worlds:          r.Worlds(),
		},
	}
	for _, m := range r.entities {
		resp.Entities = append(resp.Entities, m.msg(protocol.OpSpawn))
	}
	sort.Slice(resp.Entities, func(i, j int) bool { return resp.Entities[i].ID < resp.Entities[j].ID })
	r.log.Info().Str("player", name).Str("session", id).Msg("player joined")
	req.Resp <- resp
}

func (r *Runtime) handleLeave(sessionID string) {
	p, ok := r.players[sessionID]
	if !ok {
		return
	}
	delete(r.players, sessionID)
	r.nPlayers.Store(int64(len(r.players)))
	r.log.Info().Str("player", p.name).Str("session", sessionID).Msg("player left")
}

// handleChat offers the line to every listener in registration order. If none cancels it,
// every player sees it.
func (r *Runtime) handleChat(req chatRequest) {
	p, ok := r.players[req.SessionID]
	if !ok {
		return
	}
	ev := &chatEvent{player: p, message: req.Text}
	for _, l := range r.chatListeners() {
		l.OnChat(ev)
	}
	if ev.cancelled {
		return
	}
	b := mustJSON(protocol.MsgMsg{Type: protocol.TypeMsg, From: p.name, Text: req.Text})
	for _, other := range r.players {
		r.send(other, b)
	}
}

// send never blocks the main context; a full queue drops the message.
func (r *Runtime) send(p *player, b []byte) {
	select {
	case p.out <- b:
	default:
		r.nDropped.Add(1)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
