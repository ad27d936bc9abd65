package cli

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopshq/dnsfwd"
)

func testSupervisor(t *testing.T) *supervisor {
	t.Helper()
	cfg := testConfig(t)
	return &supervisor{
		cfg:                cfg,
		prober:             &stubProber{},
		health:             newHealthLog(filepath.Join(t.TempDir(), "health.log")),
		interval:           time.Second,
		minRestartInterval: 0,
		maxRestarts:        cfg.Supervisor.MaxConsecutiveRestarts,
		checkService:       func(context.Context) bool { return true },
		checkPort:          func() bool { return true },
		restart:            func(context.Context) error { return nil },
		stopCh:             make(chan struct{}),
	}
}

func TestSupervisorHealthyCycle(t *testing.T) {
	s := testSupervisor(t)
	restarts := 0
	s.restart = func(context.Context) error { restarts++; return nil }

	s.cycle(context.Background())

	assert.Zero(t, restarts)
	records := s.health.records()
	require.Len(t, records, 1)
	assert.True(t, records[0].OK())
}

func TestSupervisorRestartsOnProbeFailure(t *testing.T) {
	s := testSupervisor(t)
	s.prober = &stubProber{err: errors.New("i/o timeout")}
	restarts := 0
	s.restart = func(context.Context) error {
		restarts++
		// The failing record must already be on the books when the restart
		// is issued.
		records := s.health.records()
		require.Len(t, records, 1)
		assert.False(t, records[0].ResolutionOK)
		return nil
	}

	s.cycle(context.Background())
	assert.Equal(t, 1, restarts)
}

func TestSupervisorRestartsOnServiceDown(t *testing.T) {
	s := testSupervisor(t)
	s.checkService = func(context.Context) bool { return false }
	restarts := 0
	s.restart = func(context.Context) error { restarts++; return nil }

	s.cycle(context.Background())
	assert.Equal(t, 1, restarts)
	records := s.health.records()
	require.Len(t, records, 1)
	assert.False(t, records[0].ServiceRunning)
	assert.True(t, records[0].ResolutionOK)
}

func TestSupervisorRestartsOnPortUnbound(t *testing.T) {
	s := testSupervisor(t)
	s.checkPort = func() bool { return false }
	restarts := 0
	s.restart = func(context.Context) error { restarts++; return nil }

	s.cycle(context.Background())
	assert.Equal(t, 1, restarts)
	records := s.health.records()
	require.Len(t, records, 1)
	assert.False(t, records[0].PortBound)
	assert.True(t, records[0].ResolutionOK)
	assert.True(t, records[0].ServiceRunning)
}

func TestSupervisorMinRestartInterval(t *testing.T) {
	s := testSupervisor(t)
	s.prober = &stubProber{err: errors.New("refused")}
	s.minRestartInterval = time.Hour
	restarts := 0
	s.restart = func(context.Context) error { restarts++; return nil }

	s.cycle(context.Background())
	s.cycle(context.Background())
	s.cycle(context.Background())

	assert.Equal(t, 1, restarts, "back-to-back failing cycles must not churn the service")
}

func TestSupervisorRestartCeiling(t *testing.T) {
	s := testSupervisor(t)
	s.prober = &stubProber{err: errors.New("refused")}
	s.maxRestarts = 2
	restarts := 0
	s.restart = func(context.Context) error { restarts++; return nil }

	for i := 0; i < 5; i++ {
		s.cycle(context.Background())
	}
	assert.Equal(t, 2, restarts, "restarting stops at the ceiling")
	assert.True(t, s.alerting)

	// A healthy cycle clears the alert state and re-arms the ceiling.
	s.prober = &stubProber{}
	s.cycle(context.Background())
	assert.False(t, s.alerting)
	assert.Zero(t, s.consecutiveRestarts)

	s.prober = &stubProber{err: errors.New("refused")}
	s.cycle(context.Background())
	assert.Equal(t, 3, restarts)
}

func TestSupervisorRunStops(t *testing.T) {
	s := testSupervisor(t)
	s.interval = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		s.run(context.Background())
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	s.stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.NotEmpty(t, s.health.records())
}

func TestHealthLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.log")
	h := newHealthLog(path)
	h.append(dnsfwd.HealthRecord{Time: time.Now(), ResolutionOK: true, ServiceRunning: true, PortBound: true})
	h.append(dnsfwd.HealthRecord{Time: time.Now(), ResolutionOK: false, ServiceRunning: true, PortBound: false})

	records, err := readHealthLog(path, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].OK())
	assert.False(t, records[1].OK())
	assert.False(t, records[1].PortBound)

	// Tail semantics.
	records, err = readHealthLog(path, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].OK())
}

func TestReadHealthLogMissingFile(t *testing.T) {
	records, err := readHealthLog(filepath.Join(t.TempDir(), "absent.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDoTasks(t *testing.T) {
	var ran []string
	ok := doTasks([]task{
		{func() error { ran = append(ran, "a"); return errors.New("soft") }, false, "a"},
		{func() error { ran = append(ran, "b"); return nil }, true, "b"},
	})
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, ran)

	ran = nil
	ok = doTasks([]task{
		{func() error { ran = append(ran, "a"); return errors.New("hard") }, true, "a"},
		{func() error { ran = append(ran, "b"); return nil }, true, "b"},
	})
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, ran)
}
