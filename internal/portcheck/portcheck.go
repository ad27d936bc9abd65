// Package portcheck answers who, if anyone, is bound to the resolution port,
// using the kernel's socket table rather than process-listing heuristics.
package portcheck

import (
	"fmt"

	gopsnet "github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"
)

// Owner identifies the process bound to a port.
type Owner struct {
	PID  int32
	Name string
}

// String implements fmt.Stringer.
func (o *Owner) String() string {
	return fmt.Sprintf("%s (pid %d)", o.Name, o.PID)
}

// Lookup returns the process owning a listening socket on port, or nil if
// nothing is bound. Both TCP listeners and bound UDP sockets count; DNS
// servers hold both, conflict detection needs either.
func Lookup(port uint32) (*Owner, error) {
	conns, err := gopsnet.Connections("inet")
	if err != nil {
		return nil, fmt.Errorf("reading socket table: %w", err)
	}
	for _, conn := range conns {
		if conn.Laddr.Port != port {
			continue
		}
		if !listening(conn) {
			continue
		}
		owner := &Owner{PID: conn.Pid}
		if conn.Pid != 0 {
			if proc, err := process.NewProcess(conn.Pid); err == nil {
				if name, err := proc.Name(); err == nil {
					owner.Name = name
				}
			}
		}
		return owner, nil
	}
	return nil, nil
}

// Bound reports whether any process is bound to port.
func Bound(port uint32) (bool, error) {
	owner, err := Lookup(port)
	return owner != nil, err
}

// listening reports whether the socket is a listener rather than an outbound
// connection. UDP sockets have no state and report "NONE" or empty.
func listening(conn gopsnet.ConnectionStat) bool {
	switch conn.Status {
	case "LISTEN", "NONE", "":
		return conn.Raddr.IP == "" || conn.Raddr.IP == "0.0.0.0" || conn.Raddr.IP == "::" || conn.Raddr.Port == 0
	}
	return false
}
