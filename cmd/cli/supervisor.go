package cli

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
	"tailscale.com/logtail/backoff"

	"github.com/netopshq/dnsfwd"
	"github.com/netopshq/dnsfwd/internal/portcheck"
)

// maxRestartBackoff caps the delay after a failed restart attempt.
const maxRestartBackoff = 5 * time.Minute

// supervisor is the recurring health probe: every interval it runs three
// independent checks and restarts the forwarder when any of them fails.
// Restarts are fire-and-forget; the next cycle provides the feedback.
type supervisor struct {
	cfg    *dnsfwd.Config
	prober dnsfwd.Prober
	health *healthLog

	interval           time.Duration
	minRestartInterval time.Duration
	maxRestarts        int

	// Injection points for tests.
	checkService func(ctx context.Context) bool
	checkPort    func() bool
	restart      func(ctx context.Context) error

	bo     *backoff.Backoff
	stopCh chan struct{}

	lastRestart         time.Time
	consecutiveRestarts int
	alerting            bool
}

func newSupervisor(cfg *dnsfwd.Config, runner cmdRunner, health *healthLog, group *singleflight.Group) *supervisor {
	port := uint32(cfg.Listener.Port)
	return &supervisor{
		cfg: cfg,
		prober: &dnsfwd.UDPProber{
			Address: cfg.Listener.String(),
			Timeout: time.Duration(cfg.Supervisor.ProbeTimeoutSeconds) * time.Second,
		},
		health:             health,
		interval:           time.Duration(cfg.Supervisor.IntervalSeconds) * time.Second,
		minRestartInterval: time.Duration(cfg.Supervisor.MinRestartIntervalSeconds) * time.Second,
		maxRestarts:        cfg.Supervisor.MaxConsecutiveRestarts,
		checkService: func(ctx context.Context) bool {
			return unitState(ctx, runner, forwarderUnit) == dnsfwd.ServiceRunning
		},
		checkPort: func() bool {
			owner, err := portcheck.Lookup(port)
			if err != nil {
				mainLog.Load().Warn().Err(err).Msg("port check failed")
				return false
			}
			return owner != nil && owner.Name == forwarderProcName
		},
		restart: func(ctx context.Context) error {
			return restartForwarder(ctx, runner, group)
		},
		bo:     backoff.NewBackoff("restart-forwarder", logf, maxRestartBackoff),
		stopCh: make(chan struct{}),
	}
}

// run performs one cycle immediately, then one per interval until stopped.
func (s *supervisor) run(ctx context.Context) {
	mainLog.Load().Info().Dur("interval", s.interval).Msg("supervisor started")
	s.cycle(ctx)
	timer := time.NewTicker(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			mainLog.Load().Info().Msg("supervisor stopped")
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			s.cycle(ctx)
		}
	}
}

func (s *supervisor) stop() {
	close(s.stopCh)
}

// cycle runs the three checks and records the outcome. The record is
// appended before any restart is issued, so the history always shows the
// failure that triggered the restart.
func (s *supervisor) cycle(ctx context.Context) {
	rec := dnsfwd.HealthRecord{Time: time.Now()}
	rec.ResolutionOK = s.probePrimary(ctx)
	rec.ServiceRunning = s.checkService(ctx)
	rec.PortBound = s.checkPort()
	s.health.append(rec)

	if rec.OK() {
		s.consecutiveRestarts = 0
		if s.alerting {
			s.alerting = false
			mainLog.Load().Info().Msg("healthy cycle observed, alert state cleared")
		}
		mainLog.Load().Debug().Msg("health checks passed")
		return
	}

	mainLog.Load().Warn().
		Bool("resolution", rec.ResolutionOK).
		Bool("service", rec.ServiceRunning).
		Bool("port", rec.PortBound).
		Msg("health check failed")
	s.maybeRestart(ctx)
}

func (s *supervisor) probePrimary(ctx context.Context) bool {
	err := s.prober.Probe(ctx, s.cfg.Forwarder.PrimaryDomain)
	if err != nil {
		mainLog.Load().Warn().Err(err).Msg("primary domain probe failed")
	}
	return err == nil
}

// maybeRestart issues at most one restart per failing cycle, bounded by the
// minimum inter-restart interval and the consecutive-restart ceiling. Once
// the ceiling is hit the supervisor escalates to an alert state and stops
// restarting until a healthy cycle clears it.
func (s *supervisor) maybeRestart(ctx context.Context) {
	if s.alerting {
		mainLog.Load().Error().Msg("supervisor in alert state, operator intervention required")
		return
	}
	if !s.lastRestart.IsZero() && time.Since(s.lastRestart) < s.minRestartInterval {
		mainLog.Load().Warn().Time("last_restart", s.lastRestart).Msg("skipping restart, too soon after the last one")
		return
	}
	if s.maxRestarts > 0 && s.consecutiveRestarts >= s.maxRestarts {
		s.alerting = true
		mainLog.Load().Error().Int("restarts", s.consecutiveRestarts).
			Msg("restart ceiling reached, escalating to alert state")
		return
	}
	s.consecutiveRestarts++
	s.lastRestart = time.Now()
	mainLog.Load().Info().Int("attempt", s.consecutiveRestarts).Msg("restarting forwarder service")
	err := s.restart(ctx)
	if err != nil {
		mainLog.Load().Error().Err(err).Msg("restart request failed")
	}
	if s.bo != nil {
		s.bo.BackOff(ctx, err)
	}
}
