// Package markers mirrors the agent listing as labelled marker entities in one world.
//
// A Synchronizer fetches on the host timer and reconciles on the main context. The binding
// map and the stopped flag are only touched from functions run through Scheduler.RunOnMain,
// so they carry no lock.
package markers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/agentapi"
	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/host"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDisabled  Outcome = "disabled"
	OutcomeNoWorld   Outcome = "no_world"
	OutcomeDiscarded Outcome = "discarded"
)

const stopTimeout = 10 * time.Second

var ErrAlreadyStarted = errors.New("markers: synchronizer already started")

// AgentSource is the part of the agent API the synchronizer needs.
type AgentSource interface {
	FetchAgents(ctx context.Context) agentapi.AgentsResult
}

// Recorder receives one Report per tick. It is called off the main context.
type Recorder interface {
	RecordSync(r Report)
}

type Report struct {
	At       time.Time `json:"at"`
	Outcome  Outcome   `json:"outcome"`
	World    string    `json:"world,omitempty"`
	Agents   int       `json:"agents"`
	Created  int       `json:"created"`
	Moved    int       `json:"moved"`
	Removed  int       `json:"removed"`
	Bound    int       `json:"bound"`
	FetchErr string    `json:"fetch_error,omitempty"`
}

type Options struct {
	Server   host.Server
	Config   config.Source
	Agents   AgentSource
	Recorder Recorder
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Synchronizer struct {
	server host.Server
	cfg    config.Source
	agents AgentSource
	rec    Recorder
	log    zerolog.Logger
	now    func() time.Time

	// ctx bounds waiting on the main context, never the fetch itself.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	task host.Task

	// Main context only.
	bindings map[string]uuid.UUID
	stopped  bool
}

func New(opts Options) *Synchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		server:   opts.Server,
		cfg:      opts.Config,
		agents:   opts.Agents,
		rec:      opts.Recorder,
		log:      opts.Logger.With().Str("component", "markers").Logger(),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		bindings: map[string]uuid.UUID{},
	}
}

// Start schedules Tick on the host timer using the current initial delay and interval.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return ErrAlreadyStarted
	}
	cfg := s.cfg.Current()
	task, err := s.server.Scheduler().RunAtFixedRate(cfg.SyncInitialDelay(), cfg.SyncInterval(), func() {
		s.Tick()
	})
	if err != nil {
		return fmt.Errorf("schedule marker sync: %w", err)
	}
	s.task = task
	s.log.Info().
		Dur("delay", cfg.SyncInitialDelay()).
		Dur("interval", cfg.SyncInterval()).
		Str("world", cfg.Markers.SpawnWorld).
		Msg("marker sync started")
	return nil
}

func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// Tick runs one fetch and waits for the matching reconciliation. A failed fetch reconciles
// against an empty list.
func (s *Synchronizer) Tick() Report {
	res := s.agents.FetchAgents(context.WithoutCancel(s.ctx))

	out := make(chan Report, 1)
	err := host.CallOnMain(s.ctx, s.server.Scheduler(), func() {
		out <- s.Reconcile(res.Agents)
	})
	rep := Report{Outcome: OutcomeDiscarded}
	if err == nil {
		rep = <-out
	}
	rep.At = s.now()
	if res.Err != nil {
		rep.FetchErr = res.Err.Error()
		s.log.Debug().Err(res.Err).Msg("agent fetch failed; treating as empty")
	}
	if s.rec != nil {
		s.rec.RecordSync(rep)
	}
	return rep
}

// Reconcile applies one fetched listing to the world. Main context only.
func (s *Synchronizer) Reconcile(agents []agentapi.Agent) Report {
	if s.stopped {
		return Report{Outcome: OutcomeDiscarded}
	}
	cfg := s.cfg.Current()
	order, byID := index(agents)
	rep := Report{Agents: len(order), World: cfg.Markers.SpawnWorld}

	if !cfg.Markers.Enabled {
		rep.Removed = s.removeAll()
		rep.Outcome = OutcomeDisabled
		return rep
	}

	w, ok := s.server.World(cfg.Markers.SpawnWorld)
	if !ok {
		s.log.Debug().Str("world", cfg.Markers.SpawnWorld).Msg("target world not loaded; skipping tick")
		rep.Outcome = OutcomeNoWorld
		rep.Bound = len(s.bindings)
		return rep
	}

	for id, handle := range s.bindings {
		if _, keep := byID[id]; keep {
			continue
		}
		if e, ok := s.server.Entity(handle); ok {
			e.Remove()
		}
		delete(s.bindings, id)
		rep.Removed++
	}

	for _, id := range order {
		a := byID[id]
		loc := Position(a)
		label := Label(a, cfg.Markers.ShowRole)
		if m, ok := s.bound(id, w.Name()); ok {
			m.Teleport(loc)
			m.SetLabel(label)
			rep.Moved++
			continue
		}
		m := w.SpawnMarker(loc, label)
		s.bindings[id] = m.ID()
		rep.Created++
	}

	rep.Bound = len(s.bindings)
	rep.Outcome = OutcomeApplied
	return rep
}

// bound resolves the marker bound to id. A handle that no longer resolves to a marker in
// the target world is dropped so the caller respawns it.
func (s *Synchronizer) bound(id, world string) (host.Marker, bool) {
	handle, ok := s.bindings[id]
	if !ok {
		return nil, false
	}
	e, ok := s.server.Entity(handle)
	if !ok {
		delete(s.bindings, id)
		return nil, false
	}
	m, ok := e.(host.Marker)
	if !ok || e.WorldName() != world {
		if ok {
			e.Remove()
		}
		delete(s.bindings, id)
		return nil, false
	}
	return m, true
}

func (s *Synchronizer) removeAll() int {
	n := 0
	for id, handle := range s.bindings {
		if e, ok := s.server.Entity(handle); ok {
			e.Remove()
		}
		delete(s.bindings, id)
		n++
	}
	return n
}

// Stop cancels the timer and, on the main context, removes every bound marker. Ticks that
// are still fetching find the synchronizer stopped and discard their result.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()
	if task != nil {
		task.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := host.CallOnMain(ctx, s.server.Scheduler(), func() {
		s.stopped = true
		n := s.removeAll()
		s.log.Info().Int("removed", n).Msg("marker sync stopped")
	})
	s.cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("main context unavailable; markers left in place")
	}
}

// Bindings copies the agent id to marker handle map. Main context only.
func (s *Synchronizer) Bindings() map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(s.bindings))
	for id, h := range s.bindings {
		out[id] = h
	}
	return out
}

// Position centres the agent on its block.
func Position(a agentapi.Agent) host.Location {
	return host.Location{
		X: float64(a.X) + 0.5,
		Y: float64(a.Y),
		Z: float64(a.Z) + 0.5,
	}
}

func Label(a agentapi.Agent, showRole bool) string {
	if showRole {
		return a.Name + " (" + a.Role + ")"
	}
	return a.Name
}

// index keys agents by id. A later duplicate replaces the earlier record but keeps its slot.
func index(agents []agentapi.Agent) ([]string, map[string]agentapi.Agent) {
	order := make([]string, 0, len(agents))
	byID := make(map[string]agentapi.Agent, len(agents))
	for _, a := range agents {
		if _, seen := byID[a.ID]; !seen {
			order = append(order, a.ID)
		}
		byID[a.ID] = a
	}
	return order, byID
}
