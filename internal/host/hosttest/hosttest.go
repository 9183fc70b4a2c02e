// Package hosttest is an in-memory host.Server for plugin tests.
//
// RunOnMain runs the function inline under a lock unless the scheduler is held, in which
// case calls queue until Release. Timer jobs never fire on their own; tests call Fire.
package hosttest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"krumpkraft.io/internal/host"
)

type Server struct {
	sched *Scheduler

	mu        sync.Mutex
	worlds    map[string]bool
	entities  map[uuid.UUID]*Marker
	listeners []host.ChatListener
}

func NewServer(worlds ...string) *Server {
	s := &Server{
		sched:    &Scheduler{},
		worlds:   map[string]bool{},
		entities: map[uuid.UUID]*Marker{},
	}
	for _, w := range worlds {
		s.worlds[w] = true
	}
	return s
}

func (s *Server) Scheduler() host.Scheduler { return s.sched }

// Sched exposes the concrete scheduler for Hold, Release, Fire and Wait.
func (s *Server) Sched() *Scheduler { return s.sched }

func (s *Server) World(name string) (host.World, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.worlds[name] {
		return nil, false
	}
	return &World{srv: s, name: name}, true
}

func (s *Server) AddWorld(name string) {
	s.mu.Lock()
	s.worlds[name] = true
	s.mu.Unlock()
}

func (s *Server) RemoveWorld(name string) {
	s.mu.Lock()
	delete(s.worlds, name)
	s.mu.Unlock()
}

func (s *Server) Entity(id uuid.UUID) (host.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return m, true
}

// Despawn removes an entity behind the plugin's back.
func (s *Server) Despawn(id uuid.UUID) {
	s.mu.Lock()
	delete(s.entities, id)
	s.mu.Unlock()
}

// Markers returns snapshots of the live markers in world, sorted by label.
func (s *Server) Markers(world string) []MarkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MarkerState
	for _, m := range s.entities {
		if m.world == world {
			out = append(out, MarkerState{ID: m.id, World: m.world, Loc: m.loc, Label: m.label})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func (s *Server) EntityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func (s *Server) RegisterChatListener(l host.ChatListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Chat delivers msg from p to every listener in registration order.
func (s *Server) Chat(p *Player, msg string) *ChatEvent {
	s.mu.Lock()
	ls := append([]host.ChatListener(nil), s.listeners...)
	s.mu.Unlock()
	ev := &ChatEvent{player: p, msg: msg}
	for _, l := range ls {
		l.OnChat(ev)
	}
	return ev
}

type MarkerState struct {
	ID    uuid.UUID
	World string
	Loc   host.Location
	Label string
}

type World struct {
	srv  *Server
	name string
}

func (w *World) Name() string { return w.name }

func (w *World) SpawnMarker(loc host.Location, label string) host.Marker {
	m := &Marker{srv: w.srv, id: uuid.New(), world: w.name, loc: loc, label: label}
	w.srv.mu.Lock()
	w.srv.entities[m.id] = m
	w.srv.mu.Unlock()
	return m
}

type Marker struct {
	srv   *Server
	id    uuid.UUID
	world string
	loc   host.Location
	label string
}

func (m *Marker) ID() uuid.UUID { return m.id }

func (m *Marker) WorldName() string { return m.world }

func (m *Marker) Location() host.Location {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	return m.loc
}

func (m *Marker) Label() string {
	m.srv.mu.Lock()
	defer m.srv.mu.Unlock()
	return m.label
}

func (m *Marker) Teleport(loc host.Location) {
	m.srv.mu.Lock()
	m.loc = loc
	m.srv.mu.Unlock()
}

func (m *Marker) SetLabel(label string) {
	m.srv.mu.Lock()
	m.label = label
	m.srv.mu.Unlock()
}

func (m *Marker) Remove() { m.srv.Despawn(m.id) }

type Scheduler struct {
	main  sync.Mutex
	async sync.WaitGroup

	mu      sync.Mutex
	held    bool
	queue   []func()
	stopped bool
	tasks   []*Task
	onMain  int
}

func (s *Scheduler) RunAsync(fn func()) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return host.ErrStopped
	}
	s.async.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.async.Done()
		fn()
	}()
	return nil
}

func (s *Scheduler) RunOnMain(fn func()) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return host.ErrStopped
	}
	if s.held {
		s.queue = append(s.queue, fn)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.runMain(fn)
	return nil
}

func (s *Scheduler) runMain(fn func()) {
	s.main.Lock()
	defer s.main.Unlock()
	s.mu.Lock()
	s.onMain++
	s.mu.Unlock()
	fn()
}

func (s *Scheduler) RunAtFixedRate(delay, interval time.Duration, fn func()) (host.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, host.ErrStopped
	}
	t := &Task{Delay: delay, Interval: interval, fn: fn}
	s.tasks = append(s.tasks, t)
	return t, nil
}

// Hold queues main-context work until Release.
func (s *Scheduler) Hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// Release runs the queued main-context work in order and stops holding.
func (s *Scheduler) Release() {
	s.mu.Lock()
	q := s.queue
	s.queue = nil
	s.held = false
	s.mu.Unlock()
	for _, fn := range q {
		s.runMain(fn)
	}
}

// Reorder rewrites the queue of held main-context work.
func (s *Scheduler) Reorder(fn func(q []func()) []func()) {
	s.mu.Lock()
	s.queue = fn(s.queue)
	s.mu.Unlock()
}

// Pending reports how many main-context functions are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MainRuns counts functions executed on the main context so far.
func (s *Scheduler) MainRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onMain
}

// Stop rejects all further work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Wait blocks until every RunAsync function has returned.
func (s *Scheduler) Wait() { s.async.Wait() }

func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

type Task struct {
	Delay    time.Duration
	Interval time.Duration
	fn       func()

	mu        sync.Mutex
	cancelled bool
}

func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Fire runs the job once on the calling goroutine unless the task was cancelled.
func (t *Task) Fire() bool {
	if t.Cancelled() {
		return false
	}
	t.fn()
	return true
}

type Player struct {
	name string

	mu   sync.Mutex
	msgs []string
}

func NewPlayer(name string) *Player { return &Player{name: name} }

func (p *Player) Name() string { return p.name }

func (p *Player) SendMessage(text string) {
	p.mu.Lock()
	p.msgs = append(p.msgs, text)
	p.mu.Unlock()
}

func (p *Player) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}

type ChatEvent struct {
	player host.Player
	msg    string

	mu        sync.Mutex
	cancelled bool
}

func (e *ChatEvent) Player() host.Player { return e.player }

func (e *ChatEvent) Message() string { return e.msg }

func (e *ChatEvent) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *ChatEvent) SetCancelled(v bool) {
	e.mu.Lock()
	e.cancelled = v
	e.mu.Unlock()
}
