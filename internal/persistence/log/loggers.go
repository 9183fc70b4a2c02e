package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
)

const hourLayout = "2006-01-02-15"

type Option func(*AuditWriter)

// WithRetention deletes segments of the same prefix whose hour ended more than d ago.
// Pruning runs on each rotation; d <= 0 keeps everything.
func WithRetention(d time.Duration) Option {
	return func(w *AuditWriter) { w.retention = d }
}

// AuditWriter appends JSON lines to one zstd segment per UTC hour:
// <dir>/<prefix>-YYYY-MM-DD-HH.jsonl.zst.
type AuditWriter struct {
	dir       string
	prefix    string
	retention time.Duration
	now       func() time.Time

	mu  sync.Mutex
	seg *hourFile
}

type hourFile struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func NewAuditWriter(dir, prefix string, opts ...Option) *AuditWriter {
	w := &AuditWriter{dir: dir, prefix: prefix, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write appends one line and flushes the zstd frame, so readers of the open hour see it.
func (w *AuditWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit %s: encode: %w", w.prefix, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	hour := now.Format(hourLayout)
	if w.seg == nil || w.seg.hour != hour {
		if err := w.rotateLocked(hour); err != nil {
			return fmt.Errorf("audit %s: rotate: %w", w.prefix, err)
		}
		w.pruneLocked(now)
	}
	return w.seg.append(line)
}

func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	seg := w.seg
	w.seg = nil
	return seg.close()
}

func (w *AuditWriter) rotateLocked(hour string) error {
	if err := w.seg.close(); err != nil {
		return err
	}
	w.seg = nil
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	seg, err := openHourFile(w.path(hour), hour)
	if err != nil {
		return err
	}
	w.seg = seg
	return nil
}

// pruneLocked is best effort; a segment that cannot be removed is retried next hour.
func (w *AuditWriter) pruneLocked(now time.Time) {
	if w.retention <= 0 {
		return
	}
	files, err := Files(w.dir, w.prefix)
	if err != nil {
		return
	}
	cutoff := now.Add(-w.retention)
	for _, path := range files {
		start, ok := segmentHour(path, w.prefix)
		if ok && start.Add(time.Hour).Before(cutoff) {
			_ = os.Remove(path)
		}
	}
}

func (w *AuditWriter) path(hour string) string {
	return filepath.Join(w.dir, w.prefix+"-"+hour+".jsonl.zst")
}

func segmentHour(path, prefix string) (time.Time, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".jsonl.zst")
	hour, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(hourLayout, hour)
	return t, err == nil
}

func openHourFile(path, hour string) (*hourFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &hourFile{hour: hour, f: f, enc: enc, buf: bufio.NewWriterSize(enc, 64*1024)}, nil
}

func (h *hourFile) append(line []byte) error {
	if _, err := h.buf.Write(line); err != nil {
		return err
	}
	if err := h.buf.Flush(); err != nil {
		return err
	}
	return h.enc.Flush()
}

func (h *hourFile) close() error {
	if h == nil {
		return nil
	}
	return errors.Join(h.buf.Flush(), h.enc.Close(), h.f.Close())
}

// SyncLogger records one line per marker sync tick under <data>/audit.
type SyncLogger struct{ w *AuditWriter }

func NewSyncLogger(dataDir string, opts ...Option) *SyncLogger {
	return &SyncLogger{w: NewAuditWriter(filepath.Join(dataDir, "audit"), "sync", opts...)}
}

func (l *SyncLogger) WriteSync(r markers.Report) error { return l.w.Write(r) }
func (l *SyncLogger) Close() error                     { return l.w.Close() }

// ChatLogger records one line per relayed chat command under <data>/audit.
type ChatLogger struct{ w *AuditWriter }

func NewChatLogger(dataDir string, opts ...Option) *ChatLogger {
	return &ChatLogger{w: NewAuditWriter(filepath.Join(dataDir, "audit"), "chat", opts...)}
}

func (l *ChatLogger) WriteChat(r chatrelay.Record) error { return l.w.Write(r) }
func (l *ChatLogger) Close() error                       { return l.w.Close() }
