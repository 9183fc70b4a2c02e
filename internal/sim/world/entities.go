package world

import (
	"github.com/google/uuid"

	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/protocol"
)

type worldHandle struct {
	rt   *Runtime
	name string
}

func (w *worldHandle) Name() string { return w.name }

// SpawnMarker creates a marker and announces it to every player. Main context only.
func (w *worldHandle) SpawnMarker(loc host.Location, label string) host.Marker {
	m := &marker{rt: w.rt, id: uuid.New(), world: w.name, loc: loc, label: label}
	w.rt.entities[m.id] = m
	w.rt.nEntities.Add(1)
	w.rt.broadcastEntity(protocol.OpSpawn, m)
	return m
}

// marker is a gravity-exempt, invulnerable, labelled placeholder. All methods except ID
// and WorldName are main context only.
type marker struct {
	rt      *Runtime
	id      uuid.UUID
	world   string
	loc     host.Location
	label   string
	removed bool
}

func (m *marker) ID() uuid.UUID { return m.id }

func (m *marker) WorldName() string { return m.world }

func (m *marker) Location() host.Location { return m.loc }

func (m *marker) Label() string { return m.label }

func (m *marker) Teleport(loc host.Location) {
	if m.removed || m.loc == loc {
		return
	}
	m.loc = loc
	m.rt.broadcastEntity(protocol.OpMove, m)
}

func (m *marker) SetLabel(label string) {
	if m.removed || m.label == label {
		return
	}
	m.label = label
	m.rt.broadcastEntity(protocol.OpLabel, m)
}

func (m *marker) Remove() {
	if m.removed {
		return
	}
	m.removed = true
	delete(m.rt.entities, m.id)
	m.rt.nEntities.Add(-1)
	m.rt.broadcastEntity(protocol.OpRemove, m)
}

func (m *marker) msg(op string) protocol.EntityMsg {
	return protocol.EntityMsg{
		Type:  protocol.TypeEntity,
		Op:    op,
		ID:    m.id.String(),
		World: m.world,
		Pos:   [3]float64{m.loc.X, m.loc.Y, m.loc.Z},
		Label: m.label,
	}
}

func (r *Runtime) broadcastEntity(op string, m *marker) {
	b := mustJSON(m.msg(op))
	for _, p := range r.players {
		r.send(p, b)
	}
}
