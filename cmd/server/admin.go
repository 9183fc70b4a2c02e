package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/persistence/indexdb"
	"krumpkraft.io/internal/plugin"
	"krumpkraft.io/internal/sim/world"
)

type reloader interface {
	config.Source
	Reload() (config.Config, error)
}

// adminAPI serves the local-only /admin/v1 endpoints. idx is nil when indexing is disabled.
type adminAPI struct {
	rt     *world.Runtime
	plugin *plugin.Plugin
	cfg    reloader
	idx    *indexdb.SQLiteIndex
	log    zerolog.Logger
}

type binding struct {
	AgentID  string `json:"agent_id"`
	EntityID string `json:"entity_id"`
}

type markersResponse struct {
	Running  bool               `json:"running"`
	Bindings []binding          `json:"bindings"`
	Entities []world.EntityInfo `json:"entities"`
}

type stateResponse struct {
	Config  config.Config  `json:"config"`
	Runtime world.Stats    `json:"runtime"`
	Markers bool           `json:"markers_running"`
	Bound   int            `json:"markers_bound"`
	Index   *indexdb.Stats `json:"index,omitempty"`
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", localOnly(a.handleState))
	mux.HandleFunc("/admin/v1/markers", localOnly(a.handleMarkers))
	mux.HandleFunc("/admin/v1/reload", localOnly(a.handleReload))
	mux.HandleFunc("/admin/v1/syncs", localOnly(a.handleSyncs))
	mux.HandleFunc("/admin/v1/chats", localOnly(a.handleChats))
	mux.HandleFunc("/admin/v1/entities/remove", localOnly(a.handleRemoveEntity))
}

func (a *adminAPI) bindings(ctx context.Context) (bool, []binding, error) {
	s := a.plugin.Markers()
	if s == nil {
		return false, []binding{}, nil
	}
	var out []binding
	err := host.CallOnMain(ctx, a.rt, func() {
		for id, h := range s.Bindings() {
			out = append(out, binding{AgentID: id, EntityID: h.String()})
		}
	})
	if err != nil {
		return true, nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	if out == nil {
		out = []binding{}
	}
	return true, out, nil
}

func (a *adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	running, bs, err := a.bindings(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	resp := stateResponse{
		Config:  a.cfg.Current(),
		Runtime: a.rt.Stats(),
		Markers: running,
		Bound:   len(bs),
	}
	if a.idx != nil {
		st := a.idx.Stats()
		resp.Index = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminAPI) handleMarkers(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	running, bs, err := a.bindings(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	ents, err := a.rt.Entities(ctx)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(rw, http.StatusOK, markersResponse{Running: running, Bindings: bs, Entities: ents})
}

func (a *adminAPI) handleReload(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg, err := a.cfg.Reload()
	if err != nil {
		a.log.Warn().Err(err).Msg("admin reload failed; previous config kept")
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error(), "config": cfg})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "config": cfg})
}

func (a *adminAPI) handleSyncs(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeError(rw, http.StatusNotFound, errIndexDisabled)
		return
	}
	out, err := a.idx.RecentSyncs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *adminAPI) handleChats(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeError(rw, http.StatusNotFound, errIndexDisabled)
		return
	}
	player := strings.TrimSpace(r.URL.Query().Get("player"))
	out, err := a.idx.RecentChats(r.Context(), player, queryInt(r, "limit", 50))
	if err != nil {
		writeError(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, out)
}

func (a *adminAPI) handleRemoveEntity(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	found, err := a.rt.RemoveEntity(ctx, id)
	if err != nil {
		writeError(rw, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "found": found})
}

type adminError string

func (e adminError) Error() string { return string(e) }

const errIndexDisabled = adminError("index db disabled")

func localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, code int, err error) {
	writeJSON(rw, code, map[string]any{"ok": false, "error": err.Error()})
}
