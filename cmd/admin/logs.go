package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	persistlog "krumpkraft.io/internal/persistence/log"
)

func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	since := fs.Duration("since", 0, "only entries newer than this (0 = all)")
	errorsOnly := fs.Bool("errors", false, "only entries carrying an error")
	_ = fs.Parse(args)

	kind := "sync"
	if fs.NArg() > 0 {
		kind = strings.TrimSpace(fs.Arg(0))
	}
	if kind != "sync" && kind != "chat" {
		fmt.Fprintf(os.Stderr, "unknown log %q (want sync or chat)\n", kind)
		os.Exit(2)
	}

	f := logFilter{errorsOnly: *errorsOnly}
	if *since > 0 {
		f.since = time.Now().Add(-*since)
	}
	n, err := dumpLogs(filepath.Join(*dataDir, "audit"), kind, f, func(line []byte) {
		fmt.Println(string(line))
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}

type logFilter struct {
	since      time.Time
	errorsOnly bool
}

// header holds the fields shared by sync reports and chat records.
type header struct {
	At       time.Time `json:"at"`
	Err      string    `json:"error"`
	FetchErr string    `json:"fetch_error"`
}

func (f logFilter) match(line []byte) (bool, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return false, err
	}
	if !f.since.IsZero() && h.At.Before(f.since) {
		return false, nil
	}
	if f.errorsOnly && h.Err == "" && h.FetchErr == "" {
		return false, nil
	}
	return true, nil
}

func dumpLogs(dir, kind string, f logFilter, emit func(line []byte)) (int, error) {
	files, err := persistlog.Files(dir, kind)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			ok, err := f.match(line)
			if err != nil || !ok {
				return err
			}
			emit(append([]byte(nil), line...))
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
