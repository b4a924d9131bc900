package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestLifecycleEvents(t *testing.T) {
	m := newTestMetrics(t)
	th, err := thread.NewScheduler(0, nil).Bootstrap("test")
	require.NoError(t, err)

	events := []proc.Event{
		{Kind: proc.EventCreated, PID: 0, Parent: proc.NoPID, From: proc.StateFree, To: proc.StateRunning},
		{Kind: proc.EventCreated, PID: 1, Parent: 0, From: proc.StateFree, To: proc.StateRunning},
		{Kind: proc.EventStateChanged, PID: 1, Parent: 0, From: proc.StateRunning, To: proc.StateZombie},
	}
	for _, ev := range events {
		m.OnProcessEvent(th, ev)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Spawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Processes.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Processes.WithLabelValues("zombie")))

	m.OnProcessEvent(th, proc.Event{Kind: proc.EventFreed, PID: 1, From: proc.StateZombie, To: proc.StateFree, Waited: 20 * time.Millisecond})
	m.OnProcessEvent(th, proc.Event{Kind: proc.EventFreed, PID: 0, From: proc.StateRunning, To: proc.StateFree})
	m.OnProcessEvent(th, proc.Event{Kind: proc.EventIllegalJoin, PID: 9})
	m.OnProcessEvent(th, proc.Event{Kind: proc.EventTableFull, PID: proc.NoPID})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Finishes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Joins))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IllegalJoins))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableFull))
	assert.Zero(t, testutil.ToFloat64(m.Processes.WithLabelValues("running")))
	assert.Zero(t, testutil.ToFloat64(m.Processes.WithLabelValues("zombie")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.JoinWait))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Spawned)
	assert.Equal(t, int64(2), snap.Finished)
	assert.Equal(t, int64(1), snap.Joined)
	assert.Equal(t, int64(1), snap.IllegalJoins)
	assert.Equal(t, int64(1), snap.TableFull)
	assert.Zero(t, snap.Live["running"])
	assert.InDelta(t, 0.02, snap.TotalJoinWait, 1e-9)
}

func TestRecordSyscall(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordSyscall("exec", 3)
	m.RecordSyscall("join", -2)
	m.RecordSyscall("join", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Syscalls.WithLabelValues("exec", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Syscalls.WithLabelValues("join", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Syscalls.WithLabelValues("join", "ok")))
	assert.Equal(t, int64(3), m.Snapshot().Syscalls)
}

func TestRegistriesAreIndependent(t *testing.T) {
	assert.NotPanics(t, func() {
		newTestMetrics(t)
		newTestMetrics(t)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/api/procs", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/api/procs", "/nowhere"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/procs", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
