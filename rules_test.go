package dnsfwd_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopshq/dnsfwd"
)

func TestBuildRules(t *testing.T) {
	rules := dnsfwd.BuildRules("database.example.net", "203.0.113.10")

	// One rule per catalog entry plus the primary domain.
	require.Len(t, rules, len(dnsfwd.CloudDomains())+1)
	byDomain := make(map[string]string)
	for _, rule := range rules {
		byDomain[rule.Domain] = rule.Upstream
	}
	assert.Equal(t, "203.0.113.10", byDomain["database.example.net"])
	for _, domain := range dnsfwd.CloudDomains() {
		assert.Equal(t, "203.0.113.10", byDomain[domain], domain)
	}
}

func TestBuildRulesDeterministic(t *testing.T) {
	first := dnsfwd.BuildRules("database.example.net", "203.0.113.10")
	second := dnsfwd.BuildRules("database.example.net", "203.0.113.10")
	assert.Equal(t, first, second)

	// Sorted output, no ordering dependency on the catalog.
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].Domain, first[i].Domain)
	}
}

func TestBuildRulesDedup(t *testing.T) {
	// Primary domain coinciding with a catalog entry must appear exactly once.
	rules := dnsfwd.BuildRules("blob.example-storage.net", "203.0.113.10")
	require.Len(t, rules, len(dnsfwd.CloudDomains()))

	count := 0
	for _, rule := range rules {
		if rule.Domain == "blob.example-storage.net" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildRulesCanonicalizes(t *testing.T) {
	rules := dnsfwd.BuildRules("Database.Example.NET.", "203.0.113.10")
	found := false
	for _, rule := range rules {
		if rule.Domain == "database.example.net" {
			found = true
		}
		assert.NotEqual(t, "Database.Example.NET.", rule.Domain)
	}
	assert.True(t, found)
}

func TestBuildRulesEmptyPrimary(t *testing.T) {
	rules := dnsfwd.BuildRules("", "203.0.113.10")
	assert.Len(t, rules, len(dnsfwd.CloudDomains()))
}
