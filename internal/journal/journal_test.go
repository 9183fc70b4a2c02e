package journal

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"krumpkraft.io/internal/chatrelay"
	"krumpkraft.io/internal/markers"
)

type fakeObserver struct {
	syncs   []string
	relayOK []bool
}

func (f *fakeObserver) ObserveSync(outcome string, created, moved, removed, bound int) {
	f.syncs = append(f.syncs, outcome)
}

func (f *fakeObserver) ObserveRelay(ok bool) { f.relayOK = append(f.relayOK, ok) }

type fakeSink struct {
	syncs []markers.Report
	chats []chatrelay.Record
	err   error
}

func (f *fakeSink) WriteSync(r markers.Report) error {
	f.syncs = append(f.syncs, r)
	return f.err
}

func (f *fakeSink) WriteChat(r chatrelay.Record) error {
	f.chats = append(f.chats, r)
	return f.err
}

func (f *fakeSink) RecordSync(r markers.Report)   { f.syncs = append(f.syncs, r) }
func (f *fakeSink) RecordChat(r chatrelay.Record) { f.chats = append(f.chats, r) }

func TestJournal_FansOut(t *testing.T) {
	obs := &fakeObserver{}
	logs := &fakeSink{err: errors.New("disk full")}
	idx := &fakeSink{}
	feed := &fakeSink{}
	j := New(Config{
		Metrics: obs,
		SyncLog: logs,
		ChatLog: logs,
		Syncs:   []markers.Recorder{idx, feed},
		Chats:   []chatrelay.Recorder{idx, feed},
		Logger:  zerolog.Nop(),
	})

	j.RecordSync(markers.Report{Outcome: markers.OutcomeApplied, Created: 2})
	j.RecordSync(markers.Report{Outcome: markers.OutcomeDiscarded})
	j.RecordChat(chatrelay.Record{Player: "Steve"})
	j.RecordChat(chatrelay.Record{Player: "Alex", Err: "API error: 500"})

	assert.Equal(t, []string{"applied", "discarded"}, obs.syncs)
	assert.Equal(t, []bool{true, false}, obs.relayOK)
	assert.Len(t, logs.syncs, 1, "discarded reports stay out of the audit log")
	assert.Len(t, idx.syncs, 1)
	assert.Len(t, logs.chats, 2, "write errors do not stop the fan-out")
	assert.Len(t, idx.chats, 2)
	assert.Len(t, feed.syncs, 1)
	assert.Len(t, feed.chats, 2)
}

func TestJournal_NilSinks(t *testing.T) {
	j := New(Config{Logger: zerolog.Nop()})
	j.RecordSync(markers.Report{Outcome: markers.OutcomeApplied})
	j.RecordChat(chatrelay.Record{})
}
