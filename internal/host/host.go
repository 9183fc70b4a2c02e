// Package host is the collaborator surface a bridge plugin consumes from the game server
// that loads it: lifecycle, chat events, scheduling contexts, worlds, entities and players.
//
// The server owns threading. Anything that creates, moves, renames or removes an entity, or
// sends a message to a player, must run inside a function passed to Scheduler.RunOnMain.
// Network calls and other blocking work belong on RunAsync or on a RunAtFixedRate job.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned by a Scheduler that no longer accepts work.
var ErrStopped = errors.New("host: scheduler stopped")

type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Server interface {
	Scheduler() Scheduler
	// World resolves a loaded world by name.
	World(name string) (World, bool)
	// Entity resolves an entity by its stable handle in any world.
	Entity(id uuid.UUID) (Entity, bool)
	RegisterChatListener(l ChatListener)
}

type Scheduler interface {
	// RunAsync runs fn off the main context. Blocking is fine there.
	RunAsync(fn func()) error
	// RunOnMain queues fn on the single world-mutating context.
	RunOnMain(fn func()) error
	// RunAtFixedRate runs fn off the main context after delay and then every interval.
	// A run is skipped while the previous one is still in progress.
	RunAtFixedRate(delay, interval time.Duration, fn func()) (Task, error)
}

type Task interface {
	Cancel()
}

type World interface {
	Name() string
	// SpawnMarker creates a gravity-exempt, non-interactive labelled marker entity.
	SpawnMarker(loc Location, label string) Marker
}

type Entity interface {
	ID() uuid.UUID
	WorldName() string
	Location() Location
	Remove()
}

type Marker interface {
	Entity
	Label() string
	Teleport(loc Location)
	SetLabel(label string)
}

type Player interface {
	Name() string
	SendMessage(text string)
}

type ChatEvent interface {
	Player() Player
	Message() string
	Cancelled() bool
	SetCancelled(bool)
}

type ChatListener interface {
	OnChat(ev ChatEvent)
}

// ChatListenerFunc adapts a function to ChatListener.
type ChatListenerFunc func(ev ChatEvent)

func (f ChatListenerFunc) OnChat(ev ChatEvent) { f(ev) }

type Plugin interface {
	OnEnable(s Server) error
	OnDisable()
}

// CallOnMain runs fn on the main context and waits until it has returned.
func CallOnMain(ctx context.Context, s Scheduler, fn func()) error {
	done := make(chan struct{})
	if err := s.RunOnMain(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
