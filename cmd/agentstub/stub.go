package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const helpLine = "KrumpKraft: !balance <agentId> | !commission <desc> <budget> | !agents | !games | !join <commissionId>"

type commission struct {
	ID          string  `json:"id"`
	Player      string  `json:"player"`
	Description string  `json:"description"`
	Budget      float64 `json:"budget"`
	CreatedAt   int64   `json:"created_at"`
}

// stub stands in for the agent service: fixture agents on the marker route and a small
// chat command parser.
type stub struct {
	log   zerolog.Logger
	drift bool
	rng   *rand.Rand
	start time.Time

	mu          sync.Mutex
	agents      []fixtureAgent
	commissions []commission
}

func newStub(f fixture, drift bool, logger zerolog.Logger) *stub {
	return &stub{
		log:    logger.With().Str("component", "agentstub").Logger(),
		drift:  drift,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		start:  time.Now(),
		agents: append([]fixtureAgent(nil), f.Agents...),
	}
}

func (s *stub) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/{namespace}/agents", s.handleAgents)
	mux.HandleFunc("POST /minecraft/chat", s.handleChat)
	return mux
}

func (s *stub) handleHealth(rw http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.agents)
	s.mu.Unlock()
	writeJSON(rw, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(s.start).Seconds(),
		"agents":    n,
	})
}

func (s *stub) handleAgents(rw http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.drift {
		for i := range s.agents {
			s.agents[i].X += s.rng.Intn(3) - 1
			s.agents[i].Z += s.rng.Intn(3) - 1
		}
	}
	agents := append([]fixtureAgent(nil), s.agents...)
	s.mu.Unlock()

	s.log.Debug().Str("namespace", r.PathValue("namespace")).Int("agents", len(agents)).Msg("agents served")
	writeJSON(rw, map[string]any{"agents": agents})
}

type chatRequest struct {
	Message string `json:"message"`
	Player  string `json:"player"`
}

func (s *stub) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(map[string]any{"error": err.Error()})
		return
	}
	if req.Player == "" {
		req.Player = "Player"
	}
	replies := s.answer(req.Player, strings.TrimSpace(req.Message))
	s.log.Info().Str("player", req.Player).Str("message", req.Message).Int("replies", len(replies)).Msg("chat")
	if len(replies) == 1 {
		writeJSON(rw, map[string]any{"reply": replies[0]})
		return
	}
	writeJSON(rw, map[string]any{"replies": replies})
}

func (s *stub) answer(player, msg string) []string {
	if !strings.HasPrefix(msg, "!") {
		return []string{fmt.Sprintf("Hi %s! Say !arena for KrumpKraft commands.", player)}
	}
	parts := strings.Fields(strings.TrimPrefix(msg, "!"))
	if len(parts) == 0 {
		return []string{"Unknown command. Use !arena for help."}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToLower(parts[0]) {
	case "arena", "help":
		return []string{helpLine}
	case "balance":
		if len(parts) < 2 {
			return []string{"Usage: !balance <agentId>"}
		}
		a, ok := s.agentLocked(parts[1])
		if !ok {
			return []string{"Agent not found: " + parts[1]}
		}
		return []string{fmt.Sprintf("Balance: %.2f USDC.k, $IP (native): %.4f", a.USDC, a.IP)}
	case "commission":
		if len(parts) < 3 {
			return []string{"Usage: !commission <description> <budget>"}
		}
		var budget float64
		if _, err := fmt.Sscanf(parts[len(parts)-1], "%g", &budget); err != nil || budget <= 0 {
			return []string{"Usage: !commission <description> <budget>"}
		}
		c := commission{
			ID:          "comm_" + gonanoid.Must(10),
			Player:      player,
			Description: strings.Join(parts[1:len(parts)-1], " "),
			Budget:      budget,
			CreatedAt:   time.Now().UnixMilli(),
		}
		s.commissions = append(s.commissions, c)
		return []string{"Commission created: " + c.ID}
	case "games", "status":
		return []string{fmt.Sprintf("Agents: %d, Tasks: %d", len(s.agents), len(s.commissions))}
	case "agents":
		if len(s.agents) == 0 {
			return []string{"No agents."}
		}
		out := make([]string, 0, len(s.agents))
		for _, a := range s.agents {
			out = append(out, fmt.Sprintf("%s (%s) %s at %d,%d,%d", a.Name, a.Role, a.State, a.X, a.Y, a.Z))
		}
		return out
	case "join":
		if len(parts) < 2 {
			return []string{"Usage: !join <commissionId>"}
		}
		return []string{fmt.Sprintf("Commission %s join handled by miner agent", parts[1])}
	default:
		return []string{"Unknown command. Use !arena for help."}
	}
}

func (s *stub) agentLocked(id string) (fixtureAgent, bool) {
	for _, a := range s.agents {
		if a.ID == id {
			return a, true
		}
	}
	return fixtureAgent{}, false
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
