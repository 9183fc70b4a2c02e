package world

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"krumpkraft.io/internal/host"
)

type EntityInfo struct {
	ID    string        `json:"id"`
	World string        `json:"world"`
	Pos   host.Location `json:"pos"`
	Label string        `json:"label"`
}

type PlayerInfo struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// Entities snapshots the live markers, sorted by world then label.
func (r *Runtime) Entities(ctx context.Context) ([]EntityInfo, error) {
	var out []EntityInfo
	err := host.CallOnMain(ctx, r, func() {
		out = make([]EntityInfo, 0, len(r.entities))
		for _, m := range r.entities {
			out = append(out, EntityInfo{ID: m.id.String(), World: m.world, Pos: m.loc, Label: m.label})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].World != out[j].World {
			return out[i].World < out[j].World
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// RemoveEntity deletes an entity out of band, leaving any handle to it stale.
func (r *Runtime) RemoveEntity(ctx context.Context, id uuid.UUID) (bool, error) {
	found := false
	err := host.CallOnMain(ctx, r, func() {
		if m, ok := r.entities[id]; ok {
			m.Remove()
			found = true
		}
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (r *Runtime) Players(ctx context.Context) ([]PlayerInfo, error) {
	var out []PlayerInfo
	err := host.CallOnMain(ctx, r, func() {
		out = make([]PlayerInfo, 0, len(r.players))
		for id, p := range r.players {
			out = append(out, PlayerInfo{SessionID: id, Name: p.name})
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
