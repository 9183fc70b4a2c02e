package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()
	r.ObserveAPI("fetch_agents", true, 10*time.Millisecond)
	r.ObserveAPI("fetch_agents", false, time.Millisecond)
	r.ObserveAPI("send_chat", false, time.Millisecond)
	r.ObserveSync("applied", 2, 1, 1, 3)
	r.ObserveSync("no_world", 0, 0, 0, 3)
	r.ObserveRelay(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.apiRequests.WithLabelValues("fetch_agents", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.apiRequests.WithLabelValues("fetch_agents", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncTicks.WithLabelValues("no_world")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.markerOps.WithLabelValues("create")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.markersBound))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.chatRelays.WithLabelValues("ok")))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveAPI("send_chat", true, time.Second)
	r.ObserveSync("applied", 1, 1, 1, 1)
	r.ObserveRelay(false)
	r.RegisterGaugeFunc("x", "x", func() float64 { return 1 })
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.RegisterGaugeFunc("world_players", "Connected players.", func() float64 { return 4 })
	r.ObserveRelay(false)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "krumpkraft_world_players 4")
	assert.Contains(t, string(body), `krumpkraft_chat_relays_total{outcome="error"} 1`)
}
