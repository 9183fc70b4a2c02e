// Package journal fans sync reports and chat records out to metrics, the zstd audit logs
// and the SQLite index.
package journal

import (
	"github.com/rs/zerolog"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
)

type SyncWriter interface {
	WriteSync(r markers.Report) error
}

type ChatWriter interface {
	WriteChat(r chatrelay.Record) error
}

// Observer is the metrics side; *metrics.Recorder satisfies it.
type Observer interface {
	ObserveSync(outcome string, created, moved, removed, bound int)
	ObserveRelay(ok bool)
}

// Config leaves any sink nil to skip it. Syncs and Chats are called in order.
type Config struct {
	Metrics Observer
	SyncLog SyncWriter
	ChatLog ChatWriter
	Syncs   []markers.Recorder
	Chats   []chatrelay.Recorder
	Logger  zerolog.Logger
}

type Journal struct {
	cfg Config
	log zerolog.Logger
}

var (
	_ markers.Recorder   = (*Journal)(nil)
	_ chatrelay.Recorder = (*Journal)(nil)
)

func New(cfg Config) *Journal {
	return &Journal{cfg: cfg, log: cfg.Logger.With().Str("component", "journal").Logger()}
}

func (j *Journal) RecordSync(r markers.Report) {
	if j.cfg.Metrics != nil {
		j.cfg.Metrics.ObserveSync(string(r.Outcome), r.Created, r.Moved, r.Removed, r.Bound)
	}
	// Discarded results never touched the world; keep them out of the audit trail.
	if r.Outcome == markers.OutcomeDiscarded {
		return
	}
	if j.cfg.SyncLog != nil {
		if err := j.cfg.SyncLog.WriteSync(r); err != nil {
			j.log.Warn().Err(err).Msg("sync audit write failed")
		}
	}
	for _, rec := range j.cfg.Syncs {
		rec.RecordSync(r)
	}
}

func (j *Journal) RecordChat(r chatrelay.Record) {
	if j.cfg.Metrics != nil {
		j.cfg.Metrics.ObserveRelay(r.Err == "")
	}
	if j.cfg.ChatLog != nil {
		if err := j.cfg.ChatLog.WriteChat(r); err != nil {
			j.log.Warn().Err(err).Msg("chat audit write failed")
		}
	}
	for _, rec := range j.cfg.Chats {
		rec.RecordChat(r)
	}
}
