package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder owns the current Config snapshot. Current is lock-free and safe from any goroutine.
type Holder struct {
	path string
	log  zerolog.Logger

	cur atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(Config)
}

func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	h := &Holder{
		path: path,
		log:  logger.With().Str("component", "config").Logger(),
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h.cur.Store(&cfg)
	return h, nil
}

func (h *Holder) Path() string { return h.path }

func (h *Holder) Current() Config {
	return *h.cur.Load()
}

// OnChange registers fn to be called with every snapshot installed by Reload.
func (h *Holder) OnChange(fn func(Config)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// Reload re-reads the file and swaps the snapshot. On a parse error the previous snapshot
// stays in place.
func (h *Holder) Reload() (Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return h.Current(), err
	}
	h.cur.Store(&cfg)

	h.mu.Lock()
	subs := append([]func(Config){}, h.subs...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	h.log.Info().
		Str("api_url", cfg.API.URL).
		Bool("markers", cfg.Markers.Enabled).
		Msg("config reloaded")
	return cfg, nil
}

// Watch reloads the config when its file changes until ctx is done. Editors that save by
// rename are handled by watching the parent directory.
func (h *Holder) Watch(ctx context.Context, debounce time.Duration) error {
	if h.path == "" {
		return fmt.Errorf("watch: empty config path")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	target, err := filepath.Abs(h.path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil || name != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if _, err := h.Reload(); err != nil {
						h.log.Error().Err(err).Str("path", h.path).Msg("config reload failed; keeping previous settings")
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				h.log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
