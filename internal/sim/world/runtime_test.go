package world

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krumpkraft.io/internal/host"
	"krumpkraft.io/internal/protocol"
)

func startRuntime(t *testing.T, worlds ...string) *Runtime {
	t.Helper()
	if len(worlds) == 0 {
		worlds = []string{"world"}
	}
	rt, err := New(Config{Worlds: worlds, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		rt.Wait()
	})
	return rt
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestNew_RejectsBadWorlds(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Worlds: []string{"a", "a"}})
	assert.Error(t, err)
	_, err = New(Config{Worlds: []string{""}})
	assert.Error(t, err)
}

func TestRuntime_MainContextIsSerialized(t *testing.T) {
	rt := startRuntime(t)

	var inFlight, maxSeen atomic.Int32
	ctx := callCtx(t)
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			errs <- host.CallOnMain(ctx, rt, func() {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
			})
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.GreaterOrEqual(t, rt.Stats().Tasks, uint64(50))
}

func TestRuntime_SpawnMoveRemoveBroadcasts(t *testing.T) {
	rt := startRuntime(t, "world", "lobby")
	out := make(chan []byte, 16)
	resp, ok := rt.Join(JoinRequest{Name: "Steve", Out: out})
	require.True(t, ok)
	assert.Equal(t, []string{"lobby", "world"}, resp.Welcome.Worlds)
	assert.NotEmpty(t, resp.Welcome.SessionID)
	assert.Empty(t, resp.Entities)

	var m host.Marker
	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		w, ok := rt.World("world")
		require.True(t, ok)
		m = w.SpawnMarker(host.Location{X: 10.5, Y: 64, Z: 20.5}, "Bob (scout)")
	}))
	spawn := decode[protocol.EntityMsg](t, recv(t, out))
	assert.Equal(t, protocol.OpSpawn, spawn.Op)
	assert.Equal(t, m.ID().String(), spawn.ID)
	assert.Equal(t, [3]float64{10.5, 64, 20.5}, spawn.Pos)
	assert.Equal(t, "Bob (scout)", spawn.Label)

	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		m.Teleport(host.Location{X: 1.5, Y: 70, Z: 2.5})
		m.Teleport(host.Location{X: 1.5, Y: 70, Z: 2.5})
		m.SetLabel("Bob (guard)")
		m.Remove()
		m.Remove()
	}))
	assert.Equal(t, protocol.OpMove, decode[protocol.EntityMsg](t, recv(t, out)).Op)
	assert.Equal(t, protocol.OpLabel, decode[protocol.EntityMsg](t, recv(t, out)).Op)
	assert.Equal(t, protocol.OpRemove, decode[protocol.EntityMsg](t, recv(t, out)).Op)
	assert.Len(t, out, 0, "unchanged moves and repeated removes are silent")

	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		_, found := rt.Entity(m.ID())
		assert.False(t, found)
	}))
	assert.Zero(t, rt.Stats().Entities)
}

func TestRuntime_JoinSeesExistingEntities(t *testing.T) {
	rt := startRuntime(t)
	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		w, _ := rt.World("world")
		w.SpawnMarker(host.Location{}, "A")
		w.SpawnMarker(host.Location{}, "B")
	}))
	resp, ok := rt.Join(JoinRequest{Name: "late", Out: make(chan []byte, 4)})
	require.True(t, ok)
	assert.Len(t, resp.Entities, 2)

	ents, err := rt.Entities(callCtx(t))
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "A", ents[0].Label)
}

func TestRuntime_RemoveEntityLeavesStaleHandle(t *testing.T) {
	rt := startRuntime(t)
	var m host.Marker
	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		w, _ := rt.World("world")
		m = w.SpawnMarker(host.Location{}, "A")
	}))
	found, err := rt.RemoveEntity(callCtx(t), m.ID())
	require.NoError(t, err)
	assert.True(t, found)

	found, err = rt.RemoveEntity(callCtx(t), m.ID())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRuntime_RemoveEntityTimeoutReportsNotFound(t *testing.T) {
	rt := startRuntime(t)
	var m host.Marker
	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {
		w, _ := rt.World("world")
		m = w.SpawnMarker(host.Location{}, "A")
	}))

	release := make(chan struct{})
	require.NoError(t, rt.RunOnMain(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	found, err := rt.RemoveEntity(ctx, m.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, found)

	close(release)
	require.Eventually(t, func() bool { return rt.Stats().Entities == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_ChatListenersAndBroadcast(t *testing.T) {
	rt := startRuntime(t)
	var order []string
	rt.RegisterChatListener(host.ChatListenerFunc(func(ev host.ChatEvent) {
		order = append(order, "first:"+ev.Message())
		if ev.Message() == "!secret" {
			ev.SetCancelled(true)
			ev.Player().SendMessage("handled")
		}
	}))
	rt.RegisterChatListener(host.ChatListenerFunc(func(ev host.ChatEvent) {
		order = append(order, "second")
	}))

	aOut := make(chan []byte, 8)
	bOut := make(chan []byte, 8)
	a, _ := rt.Join(JoinRequest{Name: "Alex", Out: aOut})
	_, _ = rt.Join(JoinRequest{Name: "Bea", Out: bOut})

	require.True(t, rt.Chat(a.Welcome.SessionID, "hello"))
	for _, ch := range []chan []byte{aOut, bOut} {
		msg := decode[protocol.MsgMsg](t, recv(t, ch))
		assert.Equal(t, "Alex", msg.From)
		assert.Equal(t, "hello", msg.Text)
	}

	require.True(t, rt.Chat(a.Welcome.SessionID, "!secret"))
	msg := decode[protocol.MsgMsg](t, recv(t, aOut))
	assert.Equal(t, "handled", msg.Text)
	assert.Empty(t, msg.From)

	// Flush the loop so the listener slice is safe to read.
	require.NoError(t, host.CallOnMain(callCtx(t), rt, func() {}))
	assert.Len(t, bOut, 0)
	assert.Equal(t, []string{"first:hello", "second", "first:!secret", "second"}, order)

	players, err := rt.Players(callCtx(t))
	require.NoError(t, err)
	assert.Len(t, players, 2)
	rt.Leave(a.Welcome.SessionID)
	players, err = rt.Players(callCtx(t))
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "Bea", players[0].Name)
}

func TestRuntime_FixedRateTimer(t *testing.T) {
	rt := startRuntime(t)
	var runs atomic.Int32
	task, err := rt.RunAtFixedRate(20*time.Millisecond, 50*time.Millisecond, func() { runs.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Stats().Timers)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	task.Cancel()
	task.Cancel()
	assert.Equal(t, 0, rt.Stats().Timers)
	n := runs.Load()
	time.Sleep(150 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), n+1)

	_, err = rt.RunAtFixedRate(0, 0, func() {})
	assert.Error(t, err)
}

func TestRuntime_FixedRateSkipsWhileRunning(t *testing.T) {
	rt := startRuntime(t)
	var inFlight, maxSeen, runs atomic.Int32
	release := make(chan struct{})
	task, err := rt.RunAtFixedRate(0, 10*time.Millisecond, func() {
		n := inFlight.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		if runs.Add(1) == 1 {
			<-release
		}
		inFlight.Add(-1)
	})
	require.NoError(t, err)
	defer task.Cancel()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "ticks are skipped while the first run blocks")
	close(release)
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestRuntime_StoppedRejectsWork(t *testing.T) {
	rt, err := New(Config{Worlds: []string{"world"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	out := make(chan []byte, 1)
	_, ok := rt.Join(JoinRequest{Name: "p", Out: out})
	require.True(t, ok)

	rt.Stop()
	require.NoError(t, <-done)

	assert.ErrorIs(t, rt.RunOnMain(func() {}), host.ErrStopped)
	assert.ErrorIs(t, rt.RunAsync(func() {}), host.ErrStopped)
	_, err = rt.RunAtFixedRate(time.Second, time.Second, func() {})
	assert.ErrorIs(t, err, host.ErrStopped)
	_, ok = rt.Join(JoinRequest{Name: "q", Out: make(chan []byte, 1)})
	assert.False(t, ok)
	assert.False(t, rt.Chat("x", "hi"))

	_, open := <-out
	assert.False(t, open, "player queues are closed on shutdown")
}

func TestFixedRate_Next(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &fixedRate{delay: 3 * time.Second, interval: 5 * time.Second}
	first := s.Next(base)
	assert.Equal(t, base.Add(3*time.Second), first)
	assert.Equal(t, first.Add(5*time.Second), s.Next(first))
}
