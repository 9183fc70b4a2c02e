package observer

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
	"krumpkraft.io/internal/observerproto"
)

// Hub fans events out to subscribed observers. Slow observers lose events instead of
// stalling the recorder.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	seq     atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	out  chan []byte
	sync bool
	chat bool
}

var (
	_ markers.Recorder   = (*Hub)(nil)
	_ chatrelay.Recorder = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{subs: map[string]*subscriber{}}
}

func (h *Hub) add(id string, out chan []byte, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &subscriber{out: out}
	applyStreams(s, streams)
	h.subs[id] = s
}

func (h *Hub) update(id string, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		applyStreams(s, streams)
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Observers is the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) RecordSync(r markers.Report) {
	b, _ := json.Marshal(observerproto.SyncMsg{
		Type:            observerproto.TypeSync,
		ProtocolVersion: observerproto.Version,
		Seq:             h.seq.Add(1),
		Report:          r,
	})
	h.broadcast(b, func(s *subscriber) bool { return s.sync })
}

func (h *Hub) RecordChat(r chatrelay.Record) {
	b, _ := json.Marshal(observerproto.ChatMsg{
		Type:            observerproto.TypeChat,
		ProtocolVersion: observerproto.Version,
		Seq:             h.seq.Add(1),
		Record:          r,
	})
	h.broadcast(b, func(s *subscriber) bool { return s.chat })
}

func (h *Hub) broadcast(b []byte, want func(*subscriber) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if !want(s) {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

// applyStreams subscribes to everything when streams is empty.
func applyStreams(s *subscriber, streams []string) {
	if len(streams) == 0 {
		s.sync, s.chat = true, true
		return
	}
	s.sync, s.chat = false, false
	for _, st := range streams {
		switch st {
		case observerproto.StreamSync:
			s.sync = true
		case observerproto.StreamChat:
			s.chat = true
		}
	}
}
