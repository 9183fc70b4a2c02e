package markers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krumpkraft.io/internal/agentapi"
	"krumpkraft.io/internal/config"
	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/host/hosttest"
)

type fakeAgents struct {
	mu   sync.Mutex
	list []agentapi.Agent
	err  error
	gate chan struct{}
}

func (f *fakeAgents) set(list ...agentapi.Agent) {
	f.mu.Lock()
	f.list = list
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeAgents) FetchAgents(ctx context.Context) agentapi.AgentsResult {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return agentapi.AgentsResult{Agents: []agentapi.Agent{}, Err: f.err}
	}
	return agentapi.AgentsResult{Agents: append([]agentapi.Agent(nil), f.list...)}
}

type reports struct {
	mu  sync.Mutex
	all []Report
}

func (r *reports) RecordSync(rep Report) {
	r.mu.Lock()
	r.all = append(r.all, rep)
	r.mu.Unlock()
}

// mutableConfig lets a test flip settings between ticks.
type mutableConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (m *mutableConfig) Current() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *mutableConfig) update(fn func(*config.Config)) {
	m.mu.Lock()
	fn(&m.cfg)
	m.mu.Unlock()
}

type fixture struct {
	srv    *hosttest.Server
	cfg    *mutableConfig
	agents *fakeAgents
	rec    *reports
	sync   *Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:    hosttest.NewServer("world"),
		cfg:    &mutableConfig{cfg: config.Defaults()},
		agents: &fakeAgents{},
		rec:    &reports{},
	}
	f.sync = New(Options{
		Server:   f.srv,
		Config:   f.cfg,
		Agents:   f.agents,
		Recorder: f.rec,
		Logger:   zerolog.Nop(),
	})
	return f
}

func (f *fixture) bindings(t *testing.T) map[string]host.Location {
	t.Helper()
	out := map[string]host.Location{}
	require.NoError(t, host.CallOnMain(context.Background(), f.srv.Scheduler(), func() {
		for id, h := range f.sync.Bindings() {
			e, ok := f.srv.Entity(h)
			require.True(t, ok, "binding %s points at a missing entity", id)
			out[id] = e.Location()
		}
	}))
	return out
}

func TestTick_CreatesCentredLabelledMarker(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "Bob", Role: "scout", X: 10, Y: 64, Z: 20})

	rep := f.sync.Tick()
	assert.Equal(t, OutcomeApplied, rep.Outcome)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Bound)

	ms := f.srv.Markers("world")
	require.Len(t, ms, 1)
	assert.Equal(t, host.Location{X: 10.5, Y: 64, Z: 20.5}, ms[0].Loc)
	assert.Equal(t, "Bob (scout)", ms[0].Label)
}

func TestTick_LabelWithoutRole(t *testing.T) {
	f := newFixture(t)
	f.cfg.update(func(c *config.Config) { c.Markers.ShowRole = false })
	f.agents.set(agentapi.Agent{ID: "a1", Name: "Bob", Role: "scout"})
	f.sync.Tick()

	ms := f.srv.Markers("world")
	require.Len(t, ms, 1)
	assert.Equal(t, "Bob", ms[0].Label)
}

func TestTick_IdempotentAndMoves(t *testing.T) {
	f := newFixture(t)
	f.agents.set(
		agentapi.Agent{ID: "a1", Name: "Bob", Role: "scout", X: 1, Y: 64, Z: 1},
		agentapi.Agent{ID: "a2", Name: "Eve", Role: "miner", X: 5, Y: 70, Z: -5},
	)
	f.sync.Tick()
	first := f.bindings(t)

	rep := f.sync.Tick()
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 2, rep.Moved)
	assert.Equal(t, first, f.bindings(t))
	assert.Equal(t, 2, f.srv.EntityCount())

	f.agents.set(
		agentapi.Agent{ID: "a1", Name: "Bobby", Role: "guard", X: 2, Y: 65, Z: 3},
		agentapi.Agent{ID: "a2", Name: "Eve", Role: "miner", X: 5, Y: 70, Z: -5},
	)
	f.sync.Tick()
	ms := f.srv.Markers("world")
	require.Len(t, ms, 2)
	assert.Equal(t, "Bobby (guard)", ms[0].Label)
	assert.Equal(t, host.Location{X: 2.5, Y: 65, Z: 3.5}, ms[0].Loc)
}

func TestTick_RemovesAgentsNoLongerListed(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"}, agentapi.Agent{ID: "a2", Name: "B"})
	f.sync.Tick()
	require.Equal(t, 2, f.srv.EntityCount())

	f.agents.set(agentapi.Agent{ID: "a2", Name: "B"})
	rep := f.sync.Tick()
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, f.srv.EntityCount())
	assert.Contains(t, f.bindings(t), "a2")
	assert.NotContains(t, f.bindings(t), "a1")
}

func TestTick_FetchFailureClearsMarkers(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	f.sync.Tick()

	f.agents.mu.Lock()
	f.agents.err = assert.AnError
	f.agents.mu.Unlock()
	rep := f.sync.Tick()
	assert.Equal(t, OutcomeApplied, rep.Outcome)
	assert.Equal(t, 1, rep.Removed)
	assert.NotEmpty(t, rep.FetchErr)
	assert.Zero(t, f.srv.EntityCount())
}

func TestTick_DisabledMidRunRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"}, agentapi.Agent{ID: "a2", Name: "B"})
	f.sync.Tick()
	require.Equal(t, 2, f.srv.EntityCount())

	f.cfg.update(func(c *config.Config) { c.Markers.Enabled = false })
	rep := f.sync.Tick()
	assert.Equal(t, OutcomeDisabled, rep.Outcome)
	assert.Equal(t, 2, rep.Removed)
	assert.Zero(t, f.srv.EntityCount())
	assert.Empty(t, f.bindings(t))
}

func TestTick_StaleHandleIsRecreated(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A", X: 3, Y: 64, Z: 4})
	f.sync.Tick()
	ms := f.srv.Markers("world")
	require.Len(t, ms, 1)
	f.srv.Despawn(ms[0].ID)

	rep := f.sync.Tick()
	assert.Equal(t, 1, rep.Created)
	after := f.srv.Markers("world")
	require.Len(t, after, 1)
	assert.NotEqual(t, ms[0].ID, after[0].ID)
	assert.Equal(t, host.Location{X: 3.5, Y: 64, Z: 4.5}, after[0].Loc)
}

func TestTick_MissingWorldSkipsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	f.sync.Tick()

	f.srv.RemoveWorld("world")
	f.agents.set(agentapi.Agent{ID: "a2", Name: "B"})
	rep := f.sync.Tick()
	assert.Equal(t, OutcomeNoWorld, rep.Outcome)
	assert.Equal(t, 1, f.srv.EntityCount())
	assert.Contains(t, f.bindings(t), "a1")

	f.srv.AddWorld("world")
	rep = f.sync.Tick()
	assert.Equal(t, OutcomeApplied, rep.Outcome)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 1, rep.Created)
}

func TestTick_WorldChangeRespawnsInNewWorld(t *testing.T) {
	f := newFixture(t)
	f.srv.AddWorld("lobby")
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	f.sync.Tick()

	f.cfg.update(func(c *config.Config) { c.Markers.SpawnWorld = "lobby" })
	rep := f.sync.Tick()
	assert.Equal(t, 1, rep.Created)
	assert.Empty(t, f.srv.Markers("world"))
	assert.Len(t, f.srv.Markers("lobby"), 1)
}

func TestReconcile_DuplicateIDsLastWins(t *testing.T) {
	f := newFixture(t)
	var rep Report
	require.NoError(t, host.CallOnMain(context.Background(), f.srv.Scheduler(), func() {
		rep = f.sync.Reconcile([]agentapi.Agent{
			{ID: "a1", Name: "First"},
			{ID: "a2", Name: "Other"},
			{ID: "a1", Name: "Second"},
		})
	}))
	assert.Equal(t, 2, rep.Agents)
	assert.Equal(t, 2, rep.Created)
	labels := []string{}
	for _, m := range f.srv.Markers("world") {
		labels = append(labels, m.Label)
	}
	assert.Equal(t, []string{"Other ()", "Second ()"}, labels)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sync.Start())
	assert.ErrorIs(t, f.sync.Start(), ErrAlreadyStarted)

	tasks := f.srv.Sched().Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 3*time.Second, tasks[0].Delay)
	assert.Equal(t, 5*time.Second, tasks[0].Interval)

	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	require.True(t, tasks[0].Fire())
	require.Equal(t, 1, f.srv.EntityCount())

	f.sync.Stop()
	assert.True(t, tasks[0].Cancelled())
	assert.False(t, f.sync.Running())
	assert.Zero(t, f.srv.EntityCount())
	assert.False(t, tasks[0].Fire())
}

func TestStop_DiscardsInFlightFetch(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	f.sync.Tick()

	f.agents.gate = make(chan struct{})
	done := make(chan Report, 1)
	go func() { done <- f.sync.Tick() }()

	f.sync.Stop()
	assert.Zero(t, f.srv.EntityCount())
	close(f.agents.gate)

	select {
	case rep := <-done:
		assert.Equal(t, OutcomeDiscarded, rep.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return after stop")
	}
	assert.Zero(t, f.srv.EntityCount())
	f.rec.mu.Lock()
	last := f.rec.all[len(f.rec.all)-1]
	f.rec.mu.Unlock()
	assert.Equal(t, OutcomeDiscarded, last.Outcome)
}

func TestStop_QueuedReconciliationIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.agents.set(agentapi.Agent{ID: "a1", Name: "A"})
	sched := f.srv.Sched()
	sched.Hold()

	done := make(chan Report, 1)
	go func() { done <- f.sync.Tick() }()
	require.Eventually(t, func() bool { return sched.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		f.sync.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return sched.Pending() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Run the stop first, then the late reconciliation.
	sched.Reorder(func(q []func()) []func() { return []func(){q[1], q[0]} })
	sched.Release()
	<-stopped

	rep := <-done
	assert.Equal(t, OutcomeDiscarded, rep.Outcome)
	assert.Zero(t, f.srv.EntityCount())
}
