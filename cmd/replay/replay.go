package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
	persistlog "krumpkraft.io/internal/persistence/log"
)

type summary struct {
	Syncs       int
	Chats       int
	FetchErrors int
	ChatErrors  int
	Problems    []string
}

// sink receives every decoded entry; *indexdb.SQLiteIndex satisfies it.
type sink interface {
	markers.Recorder
	chatrelay.Recorder
}

// replay walks the sync and chat audit logs oldest first. Sync reports are checked
// against the reconciliation rules: a failed fetch reconciles against no agents, and an
// applied tick never binds more markers than agents it saw.
func replay(auditDir string, out sink, strict bool) (summary, error) {
	var sum summary

	syncFiles, err := persistlog.Files(auditDir, "sync")
	if err != nil {
		return sum, err
	}
	for _, path := range syncFiles {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var r markers.Report
			if err := json.Unmarshal(line, &r); err != nil {
				return err
			}
			sum.Syncs++
			if r.FetchErr != "" {
				sum.FetchErrors++
			}
			if p := checkReport(r); p != "" {
				p = fmt.Sprintf("%s: %s", filepath.Base(path), p)
				if strict {
					return fmt.Errorf("%s", p)
				}
				sum.Problems = append(sum.Problems, p)
			}
			if out != nil {
				out.RecordSync(r)
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}

	chatFiles, err := persistlog.Files(auditDir, "chat")
	if err != nil {
		return sum, err
	}
	for _, path := range chatFiles {
		err := persistlog.ReadJSONL(path, func(line []byte) error {
			var r chatrelay.Record
			if err := json.Unmarshal(line, &r); err != nil {
				return err
			}
			sum.Chats++
			if r.Err != "" {
				sum.ChatErrors++
			}
			if out != nil {
				out.RecordChat(r)
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func checkReport(r markers.Report) string {
	switch r.Outcome {
	case markers.OutcomeApplied:
		if r.FetchErr != "" && (r.Agents != 0 || r.Bound != 0) {
			return fmt.Sprintf("at %s: fetch failed but agents=%d bound=%d", r.At.Format("15:04:05"), r.Agents, r.Bound)
		}
		if r.Bound > r.Agents {
			return fmt.Sprintf("at %s: bound=%d exceeds agents=%d", r.At.Format("15:04:05"), r.Bound, r.Agents)
		}
	case markers.OutcomeDisabled:
		if r.Bound != 0 {
			return fmt.Sprintf("at %s: disabled tick left %d markers bound", r.At.Format("15:04:05"), r.Bound)
		}
	case markers.OutcomeNoWorld, markers.OutcomeDiscarded:
	default:
		return fmt.Sprintf("unknown outcome %q", r.Outcome)
	}
	return ""
}
