package dnsfwd

import (
	"sort"
	"strings"
)

const (
	// DefaultPrimaryDomain is the managed-database domain forwarded when no
	// domain argument is given.
	DefaultPrimaryDomain = "database.example.net"

	// DefaultUpstream is the resolver that answers for the forwarded domains.
	DefaultUpstream = "203.0.113.10"
)

// cloudDomains is the fixed catalog of cloud-service domain suffixes that are
// always routed to the upstream, regardless of the primary domain.
var cloudDomains = []string{
	"blob.example-storage.net",
	"file.example-storage.net",
	"table.example-storage.net",
	"queue.example-storage.net",
	"web.example-storage.net",
	"example-cloud.net",
	"internal.example-cloud.net",
}

// CloudDomains returns a copy of the cloud-service domain catalog.
func CloudDomains() []string {
	domains := make([]string, len(cloudDomains))
	copy(domains, cloudDomains)
	return domains
}

// ForwardingRule routes queries for a domain and its subdomains to an
// upstream resolver. Rules form a set; the resolver picks the most specific
// matching domain, so ordering between rules carries no meaning.
type ForwardingRule struct {
	Domain   string
	Upstream string
}

// BuildRules returns the forwarding rule set for the given primary domain:
// one rule per catalog entry plus one for the primary domain, all pointing at
// upstream. The result is deduplicated and sorted, so the same inputs always
// yield the same output.
func BuildRules(primaryDomain, upstream string) []ForwardingRule {
	domains := make([]string, 0, len(cloudDomains)+1)
	domains = append(domains, cloudDomains...)
	if d := CanonicalDomain(primaryDomain); d != "" {
		domains = append(domains, d)
	}

	seen := make(map[string]struct{}, len(domains))
	rules := make([]ForwardingRule, 0, len(domains))
	for _, domain := range domains {
		domain = CanonicalDomain(domain)
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		rules = append(rules, ForwardingRule{Domain: domain, Upstream: upstream})
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Domain < rules[j].Domain
	})
	return rules
}

// CanonicalDomain returns domain in canonical form, lowercased with
// surrounding space and the trailing dot trimmed.
//
// https://datatracker.ietf.org/doc/html/rfc4343
func CanonicalDomain(domain string) string {
	d := strings.TrimSpace(domain)
	d = strings.TrimSuffix(d, ".")
	return strings.ToLower(d)
}
