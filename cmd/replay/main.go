package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"krumpkraft.io/internal/persistence/indexdb"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		dbPath  = flag.String("db", "", "rebuild the SQLite index at this path (optional; must not exist)")
		strict  = flag.Bool("strict", false, "exit non-zero on the first inconsistent sync report")
	)
	flag.Parse()

	auditDir := filepath.Join(*dataDir, "audit")

	var idx *indexdb.SQLiteIndex
	if *dbPath != "" {
		if _, err := os.Stat(*dbPath); err == nil {
			fmt.Fprintln(os.Stderr, "refusing to overwrite", *dbPath)
			os.Exit(2)
		}
		var err error
		idx, err = indexdb.OpenSQLite(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
	}

	var out sink
	if idx != nil {
		out = idx
	}
	sum, err := replay(auditDir, out, *strict)
	if idx != nil {
		if cerr := idx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: syncs=%d chats=%d fetch_errors=%d chat_errors=%d problems=%d\n",
		sum.Syncs, sum.Chats, sum.FetchErrors, sum.ChatErrors, len(sum.Problems))
	for _, p := range sum.Problems {
		fmt.Println("  ", p)
	}
	if idx != nil {
		st := idx.Stats()
		fmt.Printf("index rebuilt: %s written=%d dropped=%d\n", *dbPath, st.WrittenTotal, st.DropSyncTotal+st.DropChatTotal)
	}
}
