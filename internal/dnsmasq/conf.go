// Package dnsmasq renders and inspects the dnsmasq drop-in configuration
// that routes the cloud-service domains to the designated upstream.
package dnsmasq

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/netopshq/dnsfwd"
)

const confHeader = "# Generated by dnsfwd. Do not edit; changes are overwritten on setup."

// Conf holds everything needed to render the forwarder drop-in.
type Conf struct {
	ListenAddr  string
	Port        int
	CacheSize   int
	ProxyDNSSEC bool
	LogQueries  bool
	LocalDomain string
	HostsFile   string
	Rules       []dnsfwd.ForwardingRule
}

// Render produces the drop-in content. Output is deterministic for the same
// Conf, so re-rendering on a converged host is byte-identical.
func (c *Conf) Render() string {
	var sb strings.Builder
	sb.WriteString(confHeader)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "listen-address=%s\n", c.ListenAddr)
	sb.WriteString("bind-interfaces\n")
	if c.Port != 0 && c.Port != 53 {
		fmt.Fprintf(&sb, "port=%d\n", c.Port)
	}
	sb.WriteString("no-resolv\n")
	fmt.Fprintf(&sb, "cache-size=%d\n", c.CacheSize)
	if c.ProxyDNSSEC {
		sb.WriteString("proxy-dnssec\n")
	}
	if c.LogQueries {
		sb.WriteString("log-queries\n")
		sb.WriteString("log-facility=DAEMON\n")
	}
	if c.LocalDomain != "" {
		fmt.Fprintf(&sb, "domain=%s\n", c.LocalDomain)
		fmt.Fprintf(&sb, "local=/%s/\n", c.LocalDomain)
	}
	if c.HostsFile != "" {
		sb.WriteString("no-hosts\n")
		fmt.Fprintf(&sb, "addn-hosts=%s\n", c.HostsFile)
	}
	sb.WriteString("\n")
	for _, rule := range c.Rules {
		fmt.Fprintf(&sb, "server=/%s/%s\n", rule.Domain, rule.Upstream)
	}
	return sb.String()
}

// WriteFile writes the rendered drop-in to path.
func (c *Conf) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(c.Render()), 0644); err != nil {
		return fmt.Errorf("writing forwarder config: %w", err)
	}
	return nil
}

// WriteHostsTemplate creates the empty local-overrides hosts file at path if
// it does not exist yet. An existing file is left alone, operator entries
// survive re-convergence.
func WriteHostsTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := "# Local overrides, one \"address hostname\" per line.\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing hosts template: %w", err)
	}
	return nil
}

// RulesFromConfig parses the forwarding rules back out of a drop-in file.
func RulesFromConfig(filename string) ([]dnsfwd.ForwardingRule, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return rulesFromReader(bytes.NewReader(buf))
}

func rulesFromReader(r io.Reader) ([]dnsfwd.ForwardingRule, error) {
	var rules []dnsfwd.ForwardingRule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		after, found := strings.CutPrefix(line, "server=/")
		if !found {
			continue
		}
		domain, upstream, found := strings.Cut(after, "/")
		if !found || domain == "" || upstream == "" {
			continue
		}
		rules = append(rules, dnsfwd.ForwardingRule{Domain: domain, Upstream: upstream})
	}
	return rules, scanner.Err()
}

// ListenAddrFromConfig returns the listen-address directive of a drop-in file.
func ListenAddrFromConfig(filename string) (string, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	return listenAddrFromReader(bytes.NewReader(buf))
}

func listenAddrFromReader(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		after, found := strings.CutPrefix(scanner.Text(), "listen-address=")
		if found {
			return after, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("listen-address not found")
}
