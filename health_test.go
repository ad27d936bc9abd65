package dnsfwd_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopshq/dnsfwd"
)

func TestHealthRecordLine(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	rec := dnsfwd.HealthRecord{Time: ts, ResolutionOK: true, ServiceRunning: true, PortBound: false}
	assert.Equal(t, "2026-08-25T10:30:00Z resolution=pass service=pass port=fail", rec.Line())
	assert.False(t, rec.OK())

	parsed, err := dnsfwd.ParseHealthRecord(rec.Line())
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)
}

func TestParseHealthRecordMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"2026-08-25T10:30:00Z resolution=pass",
		"not-a-time resolution=pass service=pass port=pass",
		"2026-08-25T10:30:00Z resolution=pass service=pass bogus=pass",
	} {
		_, err := dnsfwd.ParseHealthRecord(line)
		assert.Error(t, err, line)
	}
}

func TestServiceStateString(t *testing.T) {
	assert.Equal(t, "running", dnsfwd.ServiceRunning.String())
	assert.Equal(t, "installed-stopped", dnsfwd.ServiceInstalledStopped.String())
	assert.Equal(t, "unknown", dnsfwd.ServiceState(99).String())
}
