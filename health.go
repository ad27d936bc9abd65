package dnsfwd

import (
	"fmt"
	"strings"
	"time"
)

// ServiceState is the lifecycle state of the forwarder service.
type ServiceState int

const (
	ServiceNotInstalled ServiceState = iota
	ServiceInstalledStopped
	ServiceStarting
	ServiceRunning
	ServiceFailed
)

// String implements fmt.Stringer.
func (s ServiceState) String() string {
	switch s {
	case ServiceNotInstalled:
		return "not-installed"
	case ServiceInstalledStopped:
		return "installed-stopped"
	case ServiceStarting:
		return "starting"
	case ServiceRunning:
		return "running"
	case ServiceFailed:
		return "failed"
	}
	return "unknown"
}

// HealthRecord is the outcome of one supervisor cycle.
type HealthRecord struct {
	Time           time.Time
	ResolutionOK   bool
	ServiceRunning bool
	PortBound      bool
}

// OK reports whether every check of the cycle passed.
func (r HealthRecord) OK() bool {
	return r.ResolutionOK && r.ServiceRunning && r.PortBound
}

// Line renders the record as one append-only health log line.
func (r HealthRecord) Line() string {
	return fmt.Sprintf("%s resolution=%s service=%s port=%s",
		r.Time.Format(time.RFC3339),
		passFail(r.ResolutionOK), passFail(r.ServiceRunning), passFail(r.PortBound))
}

// ParseHealthRecord parses a line produced by Line.
func ParseHealthRecord(line string) (HealthRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return HealthRecord{}, fmt.Errorf("malformed health record: %q", line)
	}
	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return HealthRecord{}, fmt.Errorf("malformed health record timestamp: %w", err)
	}
	r := HealthRecord{Time: ts}
	for _, field := range fields[1:] {
		key, val, found := strings.Cut(field, "=")
		if !found {
			return HealthRecord{}, fmt.Errorf("malformed health record field: %q", field)
		}
		ok := val == "pass"
		switch key {
		case "resolution":
			r.ResolutionOK = ok
		case "service":
			r.ServiceRunning = ok
		case "port":
			r.PortBound = ok
		default:
			return HealthRecord{}, fmt.Errorf("unknown health record field: %q", key)
		}
	}
	return r, nil
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
