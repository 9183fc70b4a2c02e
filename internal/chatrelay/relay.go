// Package chatrelay forwards prefixed chat commands to the agent service and shows the
// answer to the player who sent them.
package chatrelay

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"krumpkraft.io/internal/agentapi"
	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/host"
)

// ChatSender is the part of the agent API the relay needs.
type ChatSender interface {
	SendChat(ctx context.Context, player, message string) agentapi.ChatReply
}

type Record struct {
	At      time.Time `json:"at"`
	Player  string    `json:"player"`
	Message string    `json:"message"`
	Lines   []string  `json:"lines"`
	Err     string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms"`
}

// Recorder receives one Record per relayed command, off the main context.
type Recorder interface {
	RecordChat(r Record)
}

type Options struct {
	Server   host.Server
	Config   config.Source
	Client   ChatSender
	Recorder Recorder
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Relay struct {
	server host.Server
	cfg    config.Source
	client ChatSender
	rec    Recorder
	log    zerolog.Logger
	now    func() time.Time
}

func New(opts Options) *Relay {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		server: opts.Server,
		cfg:    opts.Config,
		client: opts.Client,
		rec:    opts.Recorder,
		log:    opts.Logger.With().Str("component", "chatrelay").Logger(),
		now:    opts.Now,
	}
}

// OnChat claims commands: the event is cancelled so other players never see them, the
// request goes out on the async context and the reply comes back on the main context.
func (r *Relay) OnChat(ev host.ChatEvent) {
	cfg := r.cfg.Current()
	msg := strings.TrimSpace(ev.Message())
	if !strings.HasPrefix(msg, cfg.Chat.CommandPrefix) {
		return
	}
	ev.SetCancelled(true)

	player := ev.Player()
	sched := r.server.Scheduler()
	err := sched.RunAsync(func() {
		start := r.now()
		reply := r.client.SendChat(context.Background(), player.Name(), msg)
		lines := reply.Lines()
		if err := sched.RunOnMain(func() {
			for _, line := range lines {
				player.SendMessage(Format(cfg.Chat.ReplyTag, line))
			}
		}); err != nil {
			r.log.Warn().Err(err).Str("player", player.Name()).Msg("reply dropped")
		}

		rec := Record{
			At:      start,
			Player:  player.Name(),
			Message: msg,
			Lines:   lines,
			TookMS:  r.now().Sub(start).Milliseconds(),
		}
		if reply.Err != nil {
			rec.Err = reply.Err.Error()
		}
		r.log.Debug().
			Str("player", rec.Player).
			Str("message", msg).
			Int("lines", len(lines)).
			Msg("chat command relayed")
		if r.rec != nil {
			r.rec.RecordChat(rec)
		}
	})
	if err != nil {
		r.log.Warn().Err(err).Str("player", player.Name()).Msg("chat command dropped")
	}
}

// Format prefixes a reply line with the tag. An empty tag leaves the line as is.
func Format(tag, line string) string {
	if tag == "" {
		return line
	}
	return tag + " " + line
}
