package dnsfwd_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopshq/dnsfwd"
)

func startTestResolver(t *testing.T, handler dns.Handler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })
	return pc.LocalAddr().String()
}

func answerAnything() dns.Handler {
	return dns.HandlerFunc(func(w dns.ResponseWriter, m *dns.Msg) {
		answer := new(dns.Msg)
		answer.SetReply(m)
		rr, _ := dns.NewRR(m.Question[0].Name + " 10 IN A 192.0.2.1")
		answer.Answer = append(answer.Answer, rr)
		w.WriteMsg(answer)
	})
}

func TestUDPProber(t *testing.T) {
	addr := startTestResolver(t, answerAnything())
	prober := &dnsfwd.UDPProber{Address: addr, Timeout: 2 * time.Second}
	assert.NoError(t, prober.Probe(context.Background(), "database.example.net"))
}

func TestUDPProberTimeout(t *testing.T) {
	// Listener that never answers.
	addr := startTestResolver(t, dns.HandlerFunc(func(w dns.ResponseWriter, m *dns.Msg) {}))
	prober := &dnsfwd.UDPProber{Address: addr, Timeout: 200 * time.Millisecond}
	assert.Error(t, prober.Probe(context.Background(), "database.example.net"))
}

type fakeProber struct {
	failDomains map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, domain string) error {
	if p.failDomains[domain] {
		return errors.New("probe failed")
	}
	return nil
}

func TestRunProbes(t *testing.T) {
	probes := dnsfwd.DefaultProbes("database.example.net")
	require.Len(t, probes, 3)

	prober := &fakeProber{failDomains: map[string]bool{"blob.example-storage.net": true}}
	results := dnsfwd.RunProbes(context.Background(), prober, probes)
	require.Len(t, results, 3)

	byClass := make(map[string]dnsfwd.ProbeResult)
	for _, res := range results {
		byClass[res.Class] = res
	}
	assert.True(t, byClass[dnsfwd.ProbeGeneric].OK)
	assert.True(t, byClass[dnsfwd.ProbePrimary].OK)
	assert.False(t, byClass[dnsfwd.ProbeStorage].OK)
	assert.Error(t, byClass[dnsfwd.ProbeStorage].Err)
}
