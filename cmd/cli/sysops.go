package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/netopshq/dnsfwd"
)

const (
	// forwarderUnit is the init-system unit of the forwarder daemon.
	forwarderUnit = "dnsmasq"
	// forwarderPackage is what the package manager installs.
	forwarderPackage = "dnsmasq"
	// forwarderBin is the daemon binary, used for config validation and the
	// diagnostic foreground run.
	forwarderBin = "dnsmasq"
	// forwarderProcName is the process name owning the resolution port when
	// everything is healthy.
	forwarderProcName = "dnsmasq"
)

// conflictingResolvers are local resolver services known to fight over the
// resolution port or the resolution-endpoint file.
var conflictingResolvers = []string{
	"systemd-resolved",
	"named",
	"bind9",
	"unbound",
}

// restartGroup serializes "restart the forwarder" across convergence and the
// supervisor: concurrent requests coalesce into a single restart.
var restartGroup = &singleflight.Group{}

// cmdRunner abstracts external command execution so tests can fake the
// package manager, init system and forwarder daemon.
type cmdRunner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func lookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// detectPackageManager picks the first available package manager binary.
func detectPackageManager(look func(string) (string, error)) (string, error) {
	for _, pm := range []string{"apt-get", "dnf", "yum", "zypper"} {
		if _, err := look(pm); err == nil {
			return pm, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

func stopUnit(ctx context.Context, r cmdRunner, unit string) error {
	if out, err := r.run(ctx, "systemctl", "stop", unit); err != nil {
		return fmt.Errorf("systemctl stop %s: %s: %w", unit, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func disableUnit(ctx context.Context, r cmdRunner, unit string) error {
	if out, err := r.run(ctx, "systemctl", "disable", unit); err != nil {
		return fmt.Errorf("systemctl disable %s: %s: %w", unit, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func enableUnit(ctx context.Context, r cmdRunner, unit string) error {
	if out, err := r.run(ctx, "systemctl", "enable", unit); err != nil {
		return fmt.Errorf("systemctl enable %s: %s: %w", unit, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// unitState maps the init system's view of a unit onto the service lifecycle.
func unitState(ctx context.Context, r cmdRunner, unit string) dnsfwd.ServiceState {
	out, _ := r.run(ctx, "systemctl", "show", unit, "--property=LoadState,ActiveState")
	props := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		if key, val, found := strings.Cut(strings.TrimSpace(line), "="); found {
			props[key] = val
		}
	}
	if props["LoadState"] == "not-found" || props["LoadState"] == "" {
		return dnsfwd.ServiceNotInstalled
	}
	switch props["ActiveState"] {
	case "active":
		return dnsfwd.ServiceRunning
	case "activating", "reloading":
		return dnsfwd.ServiceStarting
	case "failed":
		return dnsfwd.ServiceFailed
	}
	return dnsfwd.ServiceInstalledStopped
}

// restartForwarder restarts the forwarder service. Requests are deduplicated
// through group, so restarting an already-restarting service is a no-op
// rather than an error.
func restartForwarder(ctx context.Context, r cmdRunner, group *singleflight.Group) error {
	_, err, _ := group.Do("restart-forwarder", func() (any, error) {
		if out, err := r.run(ctx, "systemctl", "restart", forwarderUnit); err != nil {
			return nil, fmt.Errorf("systemctl restart %s: %s: %w", forwarderUnit, strings.TrimSpace(string(out)), err)
		}
		return nil, nil
	})
	return err
}

// conflictingUnitFor returns the conflicting resolver unit matching a process
// name, or "". The kernel truncates process names, so a truncated name still
// matches its unit ("systemd-resolve" → "systemd-resolved").
func conflictingUnitFor(procName string) string {
	if procName == "" {
		return ""
	}
	for _, unit := range conflictingResolvers {
		if unit == procName || strings.HasPrefix(unit, procName) {
			return unit
		}
	}
	return ""
}
