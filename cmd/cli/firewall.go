package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/coreos/go-iptables/iptables"

	"github.com/netopshq/dnsfwd"
)

// firewallApplier applies the network access policy.
type firewallApplier interface {
	Apply(cfg *dnsfwd.Config) error
}

// iptablesApplier installs allow rules for DNS from the configured source
// networks plus management access. Rules are appended idempotently, so
// re-convergence does not stack duplicates.
type iptablesApplier struct{}

func (iptablesApplier) Apply(cfg *dnsfwd.Config) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("initializing iptables: %w", err)
	}
	dnsPort := strconv.Itoa(cfg.Listener.Port)
	var errs []error
	for _, nw := range sortedNetworks(cfg) {
		for _, cidr := range nw.Cidrs {
			for _, proto := range []string{"udp", "tcp"} {
				err := ipt.AppendUnique("filter", "INPUT",
					"-p", proto, "-s", cidr, "--dport", dnsPort, "-j", "ACCEPT")
				if err != nil {
					errs = append(errs, fmt.Errorf("dns allow rule for %s/%s: %w", cidr, proto, err))
				}
			}
		}
	}
	if cfg.Firewall.ManagementCidr != "" {
		err := ipt.AppendUnique("filter", "INPUT",
			"-p", "tcp", "-s", cfg.Firewall.ManagementCidr,
			"--dport", strconv.Itoa(cfg.Firewall.ManagementPort), "-j", "ACCEPT")
		if err != nil {
			errs = append(errs, fmt.Errorf("management allow rule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// sortedNetworks returns the configured networks in stable key order.
func sortedNetworks(cfg *dnsfwd.Config) []*dnsfwd.NetworkConfig {
	keys := make([]string, 0, len(cfg.Network))
	for key := range cfg.Network {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	networks := make([]*dnsfwd.NetworkConfig, 0, len(keys))
	for _, key := range keys {
		networks = append(networks, cfg.Network[key])
	}
	return networks
}
