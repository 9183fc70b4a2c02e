package main

import (
	"fmt"
	"os"
)

const usage = `usage: admin <command> [flags]

commands:
  state    print /admin/v1/state of a running server
  markers  print marker bindings and live entities
  reload   ask the server to re-read its config file
  db       query the SQLite index offline (syncs | chats)
  logs     decode the zstd JSONL audit logs (sync | chat)
  watch    stream live sync and chat events from the observer feed
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "state":
		httpCmd("state", os.Args[2:])
	case "markers":
		httpCmd("markers", os.Args[2:])
	case "reload":
		httpCmd("reload", os.Args[2:])
	case "db":
		dbCmd(os.Args[2:])
	case "logs":
		logsCmd(os.Args[2:])
	case "watch":
		watchCmd(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
