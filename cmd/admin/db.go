package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"krumpkraft.io/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/krumpkraft.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	player := fs.String("player", "", "player filter (chats)")
	_ = fs.Parse(args)

	q := "syncs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "krumpkraft.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	if err := queryIndex(context.Background(), path, q, *player, *limit, json.NewEncoder(os.Stdout)); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

type encoder interface {
	Encode(v any) error
}

func queryIndex(ctx context.Context, path, q, player string, limit int, enc encoder) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	switch q {
	case "syncs":
		rows, err := idx.RecentSyncs(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	case "chats":
		rows, err := idx.RecentChats(ctx, player, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown query %q (want syncs or chats)", q)
	}
	return nil
}
