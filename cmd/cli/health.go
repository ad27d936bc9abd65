package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/netopshq/dnsfwd"
)

// healthLog is the append-only record of supervisor cycles: one line per
// cycle in the log file, plus an in-memory history for the process lifetime.
// Rotation is somebody else's job.
type healthLog struct {
	mu      sync.Mutex
	path    string
	history []dnsfwd.HealthRecord
}

func newHealthLog(path string) *healthLog {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not create health log directory")
			path = ""
		}
	}
	return &healthLog{path: path}
}

func (h *healthLog) append(rec dnsfwd.HealthRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, rec)
	if h.path == "" {
		return
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not open health log")
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, rec.Line()); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not append health record")
	}
}

func (h *healthLog) records() []dnsfwd.HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]dnsfwd.HealthRecord, len(h.history))
	copy(records, h.history)
	return records
}

// readHealthLog returns up to n most recent records from the health log file.
// A missing file is an empty history, not an error.
func readHealthLog(path string, n int) ([]dnsfwd.HealthRecord, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []dnsfwd.HealthRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, err := dnsfwd.ParseHealthRecord(scanner.Text())
		if err != nil {
			mainLog.Load().Debug().Err(err).Msg("skipping malformed health record")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}
