package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/netopshq/dnsfwd"
	"github.com/netopshq/dnsfwd/internal/dnsmasq"
	"github.com/netopshq/dnsfwd/internal/portcheck"
	"github.com/netopshq/dnsfwd/internal/resolvconf"
)

// ErrPortUnavailable means the resolution port is still bound by a foreign
// process after one remediation attempt.
var ErrPortUnavailable = errors.New("resolution port unavailable")

// settleDelay is how long the forwarder gets to come up before the first
// liveness poll.
const settleDelay = 3 * time.Second

// debugRunTimeout bounds the diagnostic foreground run of the forwarder.
const debugRunTimeout = 10 * time.Second

// stepOutcome is the tri-state result of a convergence step.
type stepOutcome int

const (
	outcomeOK stepOutcome = iota
	outcomeDegraded
	outcomeFatal
)

// String implements fmt.Stringer.
func (o stepOutcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeDegraded:
		return "degraded"
	case outcomeFatal:
		return "fatal"
	}
	return "unknown"
}

type stepResult struct {
	name    string
	outcome stepOutcome
	detail  string
	err     error
}

type step struct {
	name string
	run  func(ctx context.Context) (stepOutcome, string, error)
}

// converger drives the host from its current DNS-resolution state to the
// target state. Convergence is a single sequential pass: every step tolerates
// "already converged", the driver halts on the first fatal outcome, and
// partial state is left in place on failure.
type converger struct {
	cfg   *dnsfwd.Config
	rules []dnsfwd.ForwardingRule

	runner cmdRunner
	resolv *resolvconf.File
	prober dnsfwd.Prober
	fw     firewallApplier

	// Injection points for tests.
	lookupPort func(port uint32) (*portcheck.Owner, error)
	killProc   func(pid int32) error
	lookPath   func(file string) (string, error)
	settle     func(d time.Duration)

	restartGroup *singleflight.Group

	report []stepResult
}

func newConverger(cfg *dnsfwd.Config) *converger {
	return &converger{
		cfg:    cfg,
		runner: execRunner{},
		resolv: resolvconf.New(resolvconf.DefaultPath),
		prober: &dnsfwd.UDPProber{
			Address: cfg.Listener.String(),
			Timeout: time.Duration(cfg.Supervisor.ProbeTimeoutSeconds) * time.Second,
		},
		fw:           iptablesApplier{},
		lookupPort:   portcheck.Lookup,
		killProc:     func(pid int32) error { return syscall.Kill(int(pid), syscall.SIGTERM) },
		lookPath:     lookPath,
		settle:       time.Sleep,
		restartGroup: restartGroup,
	}
}

func (c *converger) steps() []step {
	return []step{
		{"quiesce-resolvers", c.quiesceResolvers},
		{"install-forwarder", c.installForwarder},
		{"rewrite-resolv-conf", c.rewriteResolvConf},
		{"write-forwarder-config", c.writeForwarderConfig},
		{"ensure-port-available", c.ensurePortAvailable},
		{"activate-service", c.activateService},
		{"apply-firewall-policy", c.applyFirewallPolicy},
	}
}

// Run executes the convergence pass. The returned error, if any, names the
// step that failed; all step outcomes are recorded in c.report either way.
func (c *converger) Run(ctx context.Context) error {
	c.rules = dnsfwd.BuildRules(c.cfg.Forwarder.PrimaryDomain, c.cfg.Upstream.RuleTarget())

	for _, st := range c.steps() {
		outcome, detail, err := st.run(ctx)
		c.report = append(c.report, stepResult{name: st.name, outcome: outcome, detail: detail, err: err})
		switch outcome {
		case outcomeOK:
			mainLog.Load().Info().Str("step", st.name).Str("detail", detail).Msg("step ok")
		case outcomeDegraded:
			mainLog.Load().Warn().Str("step", st.name).Str("detail", detail).Err(err).Msg("step degraded, continuing")
		case outcomeFatal:
			mainLog.Load().Error().Str("step", st.name).Str("detail", detail).Err(err).Msg("step failed")
			return fmt.Errorf("convergence failed at step %q: %w", st.name, err)
		}
	}

	// Informational only at convergence time; the supervisor turns probe
	// failures into restarts later.
	results := dnsfwd.RunProbes(ctx, c.prober, dnsfwd.DefaultProbes(c.cfg.Forwarder.PrimaryDomain))
	for _, res := range results {
		if res.OK {
			mainLog.Load().Info().Str("class", res.Class).Str("domain", res.Domain).Dur("rtt", res.RTT).Msg("resolution check passed")
		} else {
			mainLog.Load().Warn().Str("class", res.Class).Str("domain", res.Domain).Err(res.Err).Msg("resolution check failed")
		}
	}
	return nil
}

// quiesceResolvers stops and disables every known conflicting
// resolver. A resolver that was never installed is not an error; one that
// refuses to die surfaces later in ensure-port-available.
func (c *converger) quiesceResolvers(ctx context.Context) (stepOutcome, string, error) {
	var failed []string
	var errs []error
	for _, unit := range conflictingResolvers {
		stopErr := stopUnit(ctx, c.runner, unit)
		disableErr := disableUnit(ctx, c.runner, unit)
		if stopErr == nil && disableErr == nil {
			mainLog.Load().Debug().Str("unit", unit).Msg("conflicting resolver quiesced")
			continue
		}
		// Absent units fail both calls; that is the common, healthy case.
		mainLog.Load().Debug().Str("unit", unit).AnErr("stop", stopErr).AnErr("disable", disableErr).
			Msg("conflicting resolver not quiesced (likely not installed)")
		failed = append(failed, unit)
		errs = append(errs, stopErr, disableErr)
	}
	if len(failed) == len(conflictingResolvers) {
		// Nothing was quiesced at all; still fine, the host may simply have
		// none of them. Report degraded so the report shows it.
		return outcomeDegraded, "no conflicting resolver was quiesced", errors.Join(errs...)
	}
	return outcomeOK, fmt.Sprintf("%d/%d resolvers quiesced", len(conflictingResolvers)-len(failed), len(conflictingResolvers)), nil
}

// installForwarder installs the forwarder package via the host's package
// manager. Unrecoverable without operator intervention, so failure is fatal.
func (c *converger) installForwarder(ctx context.Context) (stepOutcome, string, error) {
	pm, err := detectPackageManager(c.lookPath)
	if err != nil {
		return outcomeFatal, "", err
	}
	out, err := c.runner.run(ctx, pm, "install", "-y", forwarderPackage)
	if err != nil {
		return outcomeFatal, "", fmt.Errorf("%s install %s: %s: %w", pm, forwarderPackage, strings.TrimSpace(string(out)), err)
	}
	return outcomeOK, fmt.Sprintf("installed %s via %s", forwarderPackage, pm), nil
}

// rewriteResolvConf points the host's resolver library at the local
// forwarder and locks the file. Degraded on failure: a wrong resolv.conf
// hurts, but the forwarder itself may still be fully functional.
func (c *converger) rewriteResolvConf(ctx context.Context) (stepOutcome, string, error) {
	state, err := c.resolv.State()
	if err != nil {
		return outcomeDegraded, "could not detect resolv.conf state", err
	}
	content := resolvconf.Content(
		[]string{c.cfg.Listener.IP, c.cfg.Forwarder.MetadataResolver},
		c.cfg.Forwarder.SearchDomain,
	)
	if err := c.resolv.Rewrite(content); err != nil {
		return outcomeDegraded, fmt.Sprintf("rewrite from state %q failed", state), err
	}
	if err := c.resolv.Lock(); err != nil {
		// Degraded but functional: resolution works, the file is just not
		// protected against other writers.
		return outcomeDegraded, fmt.Sprintf("rewritten from state %q but not locked", state), err
	}
	return outcomeOK, fmt.Sprintf("rewritten from state %q and locked", state), nil
}

// writeForwarderConfig renders the forwarder drop-in and has the forwarder
// daemon itself validate it. Starting a misconfigured forwarder could occupy
// the resolution port and worsen the conflict, so validation failure is fatal.
func (c *converger) writeForwarderConfig(ctx context.Context) (stepOutcome, string, error) {
	conf := &dnsmasq.Conf{
		ListenAddr:  c.cfg.Listener.IP,
		Port:        c.cfg.Listener.Port,
		CacheSize:   c.cfg.Forwarder.CacheSize,
		ProxyDNSSEC: c.cfg.Forwarder.DNSSEC,
		LogQueries:  c.cfg.Forwarder.LogQueries,
		LocalDomain: c.cfg.Forwarder.SearchDomain,
		HostsFile:   c.cfg.Forwarder.HostsPath,
		Rules:       c.rules,
	}
	if err := conf.WriteFile(c.cfg.Forwarder.ConfPath); err != nil {
		return outcomeFatal, "", err
	}
	hostsDegraded := dnsmasq.WriteHostsTemplate(c.cfg.Forwarder.HostsPath)
	out, err := c.runner.run(ctx, forwarderBin, "--test", "-C", c.cfg.Forwarder.ConfPath)
	if err != nil {
		return outcomeFatal, "", fmt.Errorf("config validation: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if hostsDegraded != nil {
		return outcomeDegraded, "config valid, hosts template not written", hostsDegraded
	}
	return outcomeOK, fmt.Sprintf("%d rules written, config valid", len(c.rules)), nil
}

// ensurePortAvailable probes the resolution port and makes exactly one
// remediation attempt against a foreign owner. No unbounded retries, no
// guessing: if the port is still held afterwards, convergence aborts.
func (c *converger) ensurePortAvailable(ctx context.Context) (stepOutcome, string, error) {
	port := uint32(c.cfg.Listener.Port)
	owner, err := c.lookupPort(port)
	if err != nil {
		return outcomeDegraded, "could not probe resolution port", err
	}
	if owner == nil {
		return outcomeOK, "port free", nil
	}
	if owner.Name == forwarderProcName {
		return outcomeOK, "port already held by the forwarder", nil
	}

	mainLog.Load().Warn().Uint32("port", port).Str("owner", owner.String()).Msg("resolution port held by foreign process")
	if unit := conflictingUnitFor(owner.Name); unit != "" {
		if err := stopUnit(ctx, c.runner, unit); err != nil {
			mainLog.Load().Warn().Err(err).Str("unit", unit).Msg("stop request failed")
		}
	} else if owner.PID > 0 {
		if err := c.killProc(owner.PID); err != nil {
			mainLog.Load().Warn().Err(err).Str("owner", owner.String()).Msg("termination request failed")
		}
	} else {
		return outcomeFatal, "", fmt.Errorf("%w: held by unidentifiable process", ErrPortUnavailable)
	}

	c.settle(time.Second)
	owner, err = c.lookupPort(port)
	if err != nil {
		return outcomeDegraded, "could not re-probe resolution port", err
	}
	if owner != nil && owner.Name != forwarderProcName {
		return outcomeFatal, "", fmt.Errorf("%w: still held by %s after one remediation attempt", ErrPortUnavailable, owner)
	}
	return outcomeOK, "port freed after one remediation attempt", nil
}

// activateService enables and starts the forwarder, then verifies liveness
// within a bounded settle period. On failure it captures diagnostic state,
// tries one bounded foreground debug run, and aborts. No silent retry loop.
func (c *converger) activateService(ctx context.Context) (stepOutcome, string, error) {
	if err := enableUnit(ctx, c.runner, forwarderUnit); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not enable forwarder for automatic start")
	}
	if err := restartForwarder(ctx, c.runner, c.restartGroup); err != nil {
		c.captureDiagnostics(ctx)
		return outcomeFatal, "", err
	}
	c.settle(settleDelay)
	live := false
	for i := 0; i < 3; i++ {
		if unitState(ctx, c.runner, forwarderUnit) == dnsfwd.ServiceRunning {
			live = true
			break
		}
		c.settle(time.Second)
	}
	if !live {
		c.captureDiagnostics(ctx)
		c.debugRun(ctx)
		return outcomeFatal, "", fmt.Errorf("forwarder service did not become live within settle period")
	}
	return outcomeOK, "forwarder enabled and running", nil
}

// applyFirewallPolicy scopes access to the known source networks plus
// management. A separable concern: failure never invalidates the resolver
// itself, so the worst outcome is degraded.
func (c *converger) applyFirewallPolicy(ctx context.Context) (stepOutcome, string, error) {
	if !c.cfg.Firewall.Enabled {
		return outcomeOK, "firewall policy disabled", nil
	}
	if err := c.fw.Apply(c.cfg); err != nil {
		return outcomeDegraded, "network access policy not fully applied", err
	}
	return outcomeOK, "network access policy applied", nil
}

// captureDiagnostics logs the service and journal state of the forwarder.
func (c *converger) captureDiagnostics(ctx context.Context) {
	if out, _ := c.runner.run(ctx, "systemctl", "status", forwarderUnit, "--no-pager"); len(out) > 0 {
		mainLog.Load().Error().Msgf("service status:\n%s", out)
	}
	if out, _ := c.runner.run(ctx, "journalctl", "-u", forwarderUnit, "-n", "20", "--no-pager"); len(out) > 0 {
		mainLog.Load().Error().Msgf("service journal:\n%s", out)
	}
}

// debugRun runs the forwarder once in the foreground with a bounded timeout,
// purely for diagnostic capture.
func (c *converger) debugRun(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, debugRunTimeout)
	defer cancel()
	out, err := c.runner.run(ctx, forwarderBin, "-d", "-C", c.cfg.Forwarder.ConfPath)
	mainLog.Load().Error().Err(err).Msgf("foreground debug run:\n%s", out)
}
