// Package indexdb keeps a queryable SQLite index of sync ticks and relayed chat commands.
// The zstd JSONL audit logs stay the source of truth; rows are dropped when the writer
// falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
)

const schemaVersion = "1"

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSync atomic.Uint64
	dropChat atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
}

type reqKind int

const (
	reqSync reqKind = iota + 1
	reqChat
)

type req struct {
	kind reqKind

	sync markers.Report
	chat chatrelay.Record
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection plus one for admin reads; WAL lets them overlap.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_ticks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			world TEXT NOT NULL,
			agents INTEGER NOT NULL,
			created INTEGER NOT NULL,
			moved INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			bound INTEGER NOT NULL,
			fetch_error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_ticks_outcome ON sync_ticks(outcome, id);`,
		`CREATE TABLE IF NOT EXISTS chat_relays (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			player TEXT NOT NULL,
			message TEXT NOT NULL,
			lines_json TEXT NOT NULL,
			error TEXT NOT NULL,
			took_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_relays_player ON chat_relays(player, id);`,
		`INSERT OR REPLACE INTO meta(key, value) VALUES('schema_version', '` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordSync implements markers.Recorder. It never blocks.
func (s *SQLiteIndex) RecordSync(rep markers.Report) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSync, sync: rep}:
	default:
		s.dropSync.Add(1)
	}
}

// RecordChat implements chatrelay.Recorder. It never blocks.
func (s *SQLiteIndex) RecordChat(rec chatrelay.Record) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqChat, chat: rec}:
	default:
		s.dropChat.Add(1)
	}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropSyncTotal uint64 `json:"drop_sync_total"`
	DropChatTotal uint64 `json:"drop_chat_total"`
	WrittenTotal  uint64 `json:"written_total"`
	FailedTotal   uint64 `json:"failed_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropSyncTotal: s.dropSync.Load(),
		DropChatTotal: s.dropChat.Load(),
		WrittenTotal:  s.written.Load(),
		FailedTotal:   s.failed.Load(),
	}
}

// RecentSyncs returns up to limit sync reports, newest first.
func (s *SQLiteIndex) RecentSyncs(ctx context.Context, limit int) ([]markers.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at,outcome,world,agents,created,moved,removed,bound,fetch_error
		FROM sync_ticks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []markers.Report
	for rows.Next() {
		var (
			rep     markers.Report
			at      string
			outcome string
		)
		if err := rows.Scan(&at, &outcome, &rep.World, &rep.Agents, &rep.Created, &rep.Moved, &rep.Removed, &rep.Bound, &rep.FetchErr); err != nil {
			return nil, err
		}
		rep.At, _ = time.Parse(time.RFC3339Nano, at)
		rep.Outcome = markers.Outcome(outcome)
		out = append(out, rep)
	}
	return out, rows.Err()
}

// RecentChats returns up to limit relayed commands, newest first. An empty player matches
// everyone.
func (s *SQLiteIndex) RecentChats(ctx context.Context, player string, limit int) ([]chatrelay.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT at,player,message,lines_json,error,took_ms
		FROM chat_relays WHERE (? = '' OR player = ?) ORDER BY id DESC LIMIT ?`, player, player, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatrelay.Record
	for rows.Next() {
		var (
			rec   chatrelay.Record
			at    string
			lines string
		)
		if err := rows.Scan(&at, &rec.Player, &rec.Message, &lines, &rec.Err, &rec.TookMS); err != nil {
			return nil, err
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(lines), &rec.Lines); err != nil {
			return nil, fmt.Errorf("chat_relays lines_json: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSync, _ := s.db.Prepare(`INSERT INTO sync_ticks(at,outcome,world,agents,created,moved,removed,bound,fetch_error) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertChat, _ := s.db.Prepare(`INSERT INTO chat_relays(at,player,message,lines_json,error,took_ms) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertSync != nil {
			_ = insertSync.Close()
		}
		if insertChat != nil {
			_ = insertChat.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		commitEvery   = 256
		commitMaxWait = 500 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				s.failed.Add(1)
				continue
			}
			switch r.kind {
			case reqSync:
				if insertSync == nil {
					continue
				}
				rep := r.sync
				if _, err := tx.Stmt(insertSync).Exec(
					rep.At.UTC().Format(time.RFC3339Nano),
					string(rep.Outcome),
					rep.World,
					rep.Agents,
					rep.Created,
					rep.Moved,
					rep.Removed,
					rep.Bound,
					rep.FetchErr,
				); err != nil {
					rollback()
					continue
				}
				opCount++

			case reqChat:
				if insertChat == nil {
					continue
				}
				rec := r.chat
				lines := rec.Lines
				if lines == nil {
					lines = []string{}
				}
				b, _ := json.Marshal(lines)
				if _, err := tx.Stmt(insertChat).Exec(
					rec.At.UTC().Format(time.RFC3339Nano),
					rec.Player,
					rec.Message,
					string(b),
					rec.Err,
					rec.TookMS,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			if opCount >= commitEvery {
				commit()
			}

		case <-ticker.C:
			commit()
		}
	}
}
