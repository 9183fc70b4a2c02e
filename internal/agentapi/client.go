// Package agentapi talks to the external agent service: the agent listing used for markers
// and the chat endpoint used for in-game commands.
//
// Both calls are fail-soft. They never return a Go error separately; the result value carries
// the failure so callers can always act on it.
package agentapi

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/metrics"
)

const (
	OpFetchAgents = "fetch_agents"
	OpSendChat    = "send_chat"

	NoReply = "No reply."

	maxBody = 4 << 20
)

var (
	//go:embed agents.schema.json
	agentsSchemaJSON string
	//go:embed chat.schema.json
	chatSchemaJSON string

	agentsSchema = jsonschema.MustCompileString("agents.schema.json", agentsSchemaJSON)
	chatSchema   = jsonschema.MustCompileString("chat.schema.json", chatSchemaJSON)
)

// Agent is one entry of the agent listing after defaulting.
type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	State string `json:"state"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

type AgentsResult struct {
	Agents []Agent
	Err    error
}

// ChatReply is the outcome of one chat command. Replies, when non-empty, is the full
// ordered reply; Reply is the single-line form.
type ChatReply struct {
	Reply   string
	Replies []string
	Err     error
}

// Lines returns the lines to show the player: all Replies, else Reply if non-empty.
func (r ChatReply) Lines() []string {
	if len(r.Replies) > 0 {
		return r.Replies
	}
	if r.Reply != "" {
		return []string{r.Reply}
	}
	return nil
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "agentapi").Logger() }
}

// Client reads the config snapshot on every call, so a reload applies to the next request.
type Client struct {
	cfg     config.Source
	http    *http.Client
	metrics *metrics.Recorder
	log     zerolog.Logger
}

func New(cfg config.Source, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FetchAgents lists the active agents. Any failure yields an empty list with Err set.
func (c *Client) FetchAgents(ctx context.Context) AgentsResult {
	cfg := c.cfg.Current()
	start := time.Now()
	agents, err := c.fetchAgents(ctx, cfg)
	c.metrics.ObserveAPI(OpFetchAgents, err == nil, time.Since(start))
	if err != nil {
		c.log.Debug().Err(err).Str("url", cfg.AgentsURL()).Msg("fetch agents failed")
		return AgentsResult{Agents: []Agent{}, Err: err}
	}
	c.log.Debug().Int("agents", len(agents)).Dur("took", time.Since(start)).Msg("fetched agents")
	return AgentsResult{Agents: agents}
}

func (c *Client) fetchAgents(ctx context.Context, cfg config.Config) ([]Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.AgentsURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status}
	}
	return decodeAgents(body, cfg.Markers.DefaultY)
}

type agentWire struct {
	ID    string   `json:"id"`
	Name  *string  `json:"name"`
	Role  string   `json:"role"`
	State string   `json:"state"`
	X     float64  `json:"x"`
	Y     *float64 `json:"y"`
	Z     float64  `json:"z"`
}

func decodeAgents(body []byte, defaultY int) ([]Agent, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	if err := agentsSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("agents payload: %w", err)
	}
	var wire struct {
		Agents []agentWire `json:"agents"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}

	out := make([]Agent, 0, len(wire.Agents))
	for _, w := range wire.Agents {
		a := Agent{
			ID:    w.ID,
			Name:  w.ID,
			Role:  w.Role,
			State: w.State,
			X:     truncInt(w.X),
			Y:     defaultY,
			Z:     truncInt(w.Z),
		}
		if w.Name != nil {
			a.Name = *w.Name
		}
		if w.Y != nil {
			a.Y = truncInt(*w.Y)
		}
		out = append(out, a)
	}
	return out, nil
}

func truncInt(f float64) int {
	if math.IsNaN(f) {
		return 0
	}
	t := math.Trunc(f)
	switch {
	case t > math.MaxInt32:
		return math.MaxInt32
	case t < math.MinInt32:
		return math.MinInt32
	}
	return int(t)
}

// SendChat forwards a chat command on behalf of player.
func (c *Client) SendChat(ctx context.Context, player, message string) ChatReply {
	cfg := c.cfg.Current()
	start := time.Now()
	r := c.sendChat(ctx, cfg, player, message)
	c.metrics.ObserveAPI(OpSendChat, r.Err == nil, time.Since(start))
	if r.Err != nil {
		c.log.Debug().Err(r.Err).Str("player", player).Msg("chat command failed")
	}
	return r
}

func (c *Client) sendChat(ctx context.Context, cfg config.Config, player, message string) ChatReply {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	payload, err := json.Marshal(map[string]string{"player": player, "message": message})
	if err != nil {
		return errorReply(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ChatURL(), bytes.NewReader(payload))
	if err != nil {
		return errorReply(err)
	}
	req.Header.Set("Content-Type", "application/json")
	status, body, err := c.do(req)
	if err != nil {
		return errorReply(err)
	}
	if status != http.StatusOK {
		serr := &StatusError{Code: status}
		return ChatReply{Reply: serr.Error(), Err: serr}
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return errorReply(err)
	}
	if err := chatSchema.Validate(doc); err != nil {
		return errorReply(err)
	}
	var wire struct {
		Reply   *string  `json:"reply"`
		Replies []string `json:"replies"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return errorReply(err)
	}
	if _, ok := doc.(map[string]any)["replies"]; ok {
		r := ChatReply{Replies: wire.Replies}
		if len(wire.Replies) > 0 {
			r.Reply = wire.Replies[0]
		}
		return r
	}
	if wire.Reply != nil {
		return ChatReply{Reply: *wire.Reply}
	}
	return ChatReply{Reply: NoReply}
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func errorReply(err error) ChatReply {
	return ChatReply{Reply: "Error: " + err.Error(), Err: err}
}

// StatusError reports a non-200 answer from the agent service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("API error: %d", e.Code) }
