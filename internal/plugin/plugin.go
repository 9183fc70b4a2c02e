// Package plugin wires the agent client, marker synchronizer and chat relay into the host
// lifecycle.
package plugin

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"krumpkraft.io/internal/agentapi"
	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/markers"
	"krumpkraft.io/internal/metrics"
)

type Options struct {
	Config       config.Source
	Metrics      *metrics.Recorder
	SyncRecorder markers.Recorder
	ChatRecorder chatrelay.Recorder
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

type Plugin struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	server   host.Server
	client   *agentapi.Client
	relay    *chatrelay.Relay
	syncer   *markers.Synchronizer
	disabled bool
}

var _ host.Plugin = (*Plugin)(nil)

func New(opts Options) *Plugin {
	return &Plugin{
		opts: opts,
		log:  opts.Logger.With().Str("component", "plugin").Logger(),
	}
}

func (p *Plugin) OnEnable(s host.Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copts := []agentapi.Option{
		agentapi.WithMetrics(p.opts.Metrics),
		agentapi.WithLogger(p.opts.Logger),
	}
	if p.opts.HTTPClient != nil {
		copts = append(copts, agentapi.WithHTTPClient(p.opts.HTTPClient))
	}
	p.server = s
	p.disabled = false
	p.client = agentapi.New(p.opts.Config, copts...)
	p.relay = chatrelay.New(chatrelay.Options{
		Server:   s,
		Config:   p.opts.Config,
		Client:   p.client,
		Recorder: p.opts.ChatRecorder,
		Logger:   p.opts.Logger,
	})
	s.RegisterChatListener(p.relay)

	cfg := p.opts.Config.Current()
	if cfg.Markers.Enabled {
		if err := p.startSyncLocked(); err != nil {
			return err
		}
	}
	p.log.Info().Str("api_url", cfg.API.URL).Bool("markers", cfg.Markers.Enabled).Msg("KrumpKraft bridge enabled")
	return nil
}

// OnDisable stops marker sync and removes its markers. It blocks on the main context, so
// the host must not call it from there.
func (p *Plugin) OnDisable() {
	p.mu.Lock()
	s := p.syncer
	p.syncer = nil
	p.disabled = true
	p.mu.Unlock()
	if s != nil {
		s.Stop()
	}
	p.log.Info().Msg("KrumpKraft bridge disabled")
}

// ConfigChanged starts marker sync when a reload turns markers on. A running synchronizer
// picks up every other change, including disablement, on its next tick. Reloads after
// OnDisable are ignored.
func (p *Plugin) ConfigChanged(cfg config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil || p.disabled || !cfg.Markers.Enabled || p.syncer != nil {
		return
	}
	if err := p.startSyncLocked(); err != nil {
		p.log.Error().Err(err).Msg("start marker sync after reload")
	}
}

func (p *Plugin) startSyncLocked() error {
	s := markers.New(markers.Options{
		Server:   p.server,
		Config:   p.opts.Config,
		Agents:   p.client,
		Recorder: p.opts.SyncRecorder,
		Logger:   p.opts.Logger,
	})
	if err := s.Start(); err != nil {
		return err
	}
	p.syncer = s
	return nil
}

// Markers returns the running synchronizer, or nil when marker sync is off.
func (p *Plugin) Markers() *markers.Synchronizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncer
}

func (p *Plugin) Client() *agentapi.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}
