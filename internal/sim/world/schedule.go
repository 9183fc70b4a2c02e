package world

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// fixedRate is a cron.Schedule that fires once after delay and then every interval,
// measured from the previous activation rather than from when the job finished.
type fixedRate struct {
	delay    time.Duration
	interval time.Duration
	started  bool
}

func (f *fixedRate) Next(t time.Time) time.Time {
	if !f.started {
		f.started = true
		return t.Add(f.delay)
	}
	return t.Add(f.interval)
}

type cronTask struct {
	c  *cron.Cron
	id cron.EntryID

	once sync.Once
}

func (t *cronTask) Cancel() {
	t.once.Do(func() { t.c.Remove(t.id) })
}
