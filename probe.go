package dnsfwd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Probe classes, one per domain category the validator exercises.
const (
	ProbeGeneric = "generic"
	ProbePrimary = "primary"
	ProbeStorage = "storage"
)

// genericProbeDomain is a domain the forwarder passes through unchanged, used
// to verify that non-forwarded resolution still works.
const genericProbeDomain = "example.com"

// storageProbeDomain is the representative cloud-storage catalog entry.
const storageProbeDomain = "blob.example-storage.net"

// DefaultProbeTimeout bounds a single resolution probe.
const DefaultProbeTimeout = 2 * time.Second

var errNoAnswer = errors.New("no answer from forwarder")

// Probe is a single resolution check: one domain, one class.
type Probe struct {
	Class  string
	Domain string
}

// ProbeResult records the outcome of one Probe. OK means a response of any
// resource-record content arrived before the timeout; it says nothing about
// the correctness of the returned address.
type ProbeResult struct {
	Probe
	OK  bool
	RTT time.Duration
	Err error
}

// DefaultProbes returns the probe set for the given primary domain, one probe
// per domain class.
func DefaultProbes(primaryDomain string) []Probe {
	return []Probe{
		{Class: ProbeGeneric, Domain: genericProbeDomain},
		{Class: ProbePrimary, Domain: CanonicalDomain(primaryDomain)},
		{Class: ProbeStorage, Domain: storageProbeDomain},
	}
}

// Prober issues a live resolution query for a domain, returning nil if a
// response arrived in time.
type Prober interface {
	Probe(ctx context.Context, domain string) error
}

// UDPProber resolves probe domains against a plain DNS endpoint over UDP.
type UDPProber struct {
	// Address is the "ip:port" of the forwarder endpoint.
	Address string
	// Timeout bounds each exchange. Zero means DefaultProbeTimeout.
	Timeout time.Duration
}

// Probe sends one A query for domain and waits for any response.
func (p *UDPProber) Probe(ctx context.Context, domain string) error {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: timeout}
	answer, _, err := client.ExchangeContext(ctx, msg, p.Address)
	if err != nil {
		return fmt.Errorf("probe %q: %w", domain, err)
	}
	if answer == nil {
		return fmt.Errorf("probe %q: %w", domain, errNoAnswer)
	}
	return nil
}

// RunProbes runs every probe against the given prober and returns one result
// per probe. Probes run sequentially; a failure does not stop the rest.
func RunProbes(ctx context.Context, prober Prober, probes []Probe) []ProbeResult {
	results := make([]ProbeResult, 0, len(probes))
	for _, probe := range probes {
		start := time.Now()
		err := prober.Probe(ctx, probe.Domain)
		Logger.Load().Debug().Str("class", probe.Class).Str("domain", probe.Domain).
			Err(err).Dur("rtt", time.Since(start)).Msg("resolution probe")
		results = append(results, ProbeResult{
			Probe: probe,
			OK:    err == nil,
			RTT:   time.Since(start),
			Err:   err,
		})
	}
	return results
}
