// Package world is the embedded host runtime the bridge plugin runs inside.
//
// One goroutine, Run, owns every entity and player. Everything that mutates them arrives
// through channels and executes on that goroutine, which is the main context of the host
// package. Async work runs on tracked goroutines and timers run on a cron scheduler.
package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/logging"
)

const defaultTaskQueue = 1024

type Config struct {
	Worlds    []string
	TaskQueue int
	Logger    zerolog.Logger
}

type Runtime struct {
	log zerolog.Logger

	worlds map[string]*worldHandle
	names  []string

	tasks chan func()
	join  chan JoinRequest
	leave chan string
	chat  chan chatRequest
	stop  chan struct{}

	stopOnce sync.Once
	running  atomic.Bool
	closed   atomic.Bool

	cron  *cron.Cron
	async sync.WaitGroup

	lmu       sync.Mutex
	listeners []host.ChatListener

	// Main goroutine only.
	entities map[uuid.UUID]*marker
	players  map[string]*player

	nEntities atomic.Int64
	nPlayers  atomic.Int64
	nTasks    atomic.Uint64
	nDropped  atomic.Uint64
}

var _ host.Server = (*Runtime)(nil)

func New(cfg Config) (*Runtime, error) {
	if len(cfg.Worlds) == 0 {
		return nil, errors.New("world: at least one world is required")
	}
	if cfg.TaskQueue <= 0 {
		cfg.TaskQueue = defaultTaskQueue
	}
	log := cfg.Logger.With().Str("component", "runtime").Logger()
	r := &Runtime{
		log:      log,
		worlds:   map[string]*worldHandle{},
		tasks:    make(chan func(), cfg.TaskQueue),
		join:     make(chan JoinRequest),
		leave:    make(chan string, 64),
		chat:     make(chan chatRequest, 256),
		stop:     make(chan struct{}),
		entities: map[uuid.UUID]*marker{},
		players:  map[string]*player{},
	}
	for _, name := range cfg.Worlds {
		if name == "" {
			return nil, errors.New("world: empty world name")
		}
		if _, dup := r.worlds[name]; dup {
			return nil, fmt.Errorf("world: duplicate world %q", name)
		}
		r.worlds[name] = &worldHandle{rt: r, name: name}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	r.cron = cron.New(
		cron.WithLogger(logging.CronLogger(log)),
		cron.WithChain(
			cron.Recover(logging.CronLogger(log)),
			cron.SkipIfStillRunning(logging.CronLogger(log)),
		),
	)
	return r, nil
}

// Run drives the main context until ctx is done or Stop is called.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("world: runtime already running")
	}
	r.cron.Start()
	defer func() {
		r.Stop()
		<-r.cron.Stop().Done()
		for id, p := range r.players {
			close(p.out)
			delete(r.players, id)
		}
		r.nPlayers.Store(0)
	}()

	r.log.Info().Strs("worlds", r.names).Msg("runtime started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case fn := <-r.tasks:
			r.nTasks.Add(1)
			fn()
		case req := <-r.join:
			r.handleJoin(req)
		case id := <-r.leave:
			r.handleLeave(id)
		case req := <-r.chat:
			r.handleChat(req)
		}
	}
}

func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		close(r.stop)
	})
}

// Wait blocks until every RunAsync goroutine has returned.
func (r *Runtime) Wait() { r.async.Wait() }

func (r *Runtime) Worlds() []string { return append([]string(nil), r.names...) }

func (r *Runtime) Scheduler() host.Scheduler { return r }

func (r *Runtime) World(name string) (host.World, bool) {
	w, ok := r.worlds[name]
	if !ok {
		return nil, false
	}
	return w, true
}

// Entity resolves a handle. Main context only.
func (r *Runtime) Entity(id uuid.UUID) (host.Entity, bool) {
	m, ok := r.entities[id]
	if !ok {
		return nil, false
	}
	return m, true
}

func (r *Runtime) RegisterChatListener(l host.ChatListener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, l)
	r.lmu.Unlock()
}

func (r *Runtime) chatListeners() []host.ChatListener {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	return append([]host.ChatListener(nil), r.listeners...)
}

func (r *Runtime) RunAsync(fn func()) error {
	if r.closed.Load() {
		return host.ErrStopped
	}
	r.async.Add(1)
	go func() {
		defer r.async.Done()
		fn()
	}()
	return nil
}

func (r *Runtime) RunOnMain(fn func()) error {
	if r.closed.Load() {
		return host.ErrStopped
	}
	select {
	case r.tasks <- fn:
		return nil
	case <-r.stop:
		return host.ErrStopped
	}
}

func (r *Runtime) RunAtFixedRate(delay, interval time.Duration, fn func()) (host.Task, error) {
	if r.closed.Load() {
		return nil, host.ErrStopped
	}
	if interval <= 0 {
		return nil, fmt.Errorf("world: fixed-rate interval must be positive, got %s", interval)
	}
	if delay < 0 {
		delay = 0
	}
	id := r.cron.Schedule(&fixedRate{delay: delay, interval: interval}, cron.FuncJob(fn))
	return &cronTask{c: r.cron, id: id}, nil
}

type Stats struct {
	Worlds   int    `json:"worlds"`
	Entities int64  `json:"entities"`
	Players  int64  `json:"players"`
	Tasks    uint64 `json:"main_tasks"`
	Timers   int    `json:"timers"`
	Dropped  uint64 `json:"dropped_messages"`
}

// Stats is safe from any goroutine.
func (r *Runtime) Stats() Stats {
	return Stats{
		Worlds:   len(r.names),
		Entities: r.nEntities.Load(),
		Players:  r.nPlayers.Load(),
		Tasks:    r.nTasks.Load(),
		Timers:   len(r.cron.Entries()),
		Dropped:  r.nDropped.Load(),
	}
}
