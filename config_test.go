package dnsfwd_test

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netopshq/dnsfwd"
)

func defaultConfig(t *testing.T) *dnsfwd.Config {
	t.Helper()
	v := viper.New()
	dnsfwd.InitConfig(v, "dnsfwd")
	var cfg dnsfwd.Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestLoadDefaultConfig(t *testing.T) {
	cfg := defaultConfig(t)
	validate := validator.New()
	require.NoError(t, dnsfwd.ValidateConfig(validate, cfg))

	assert.Equal(t, "127.0.0.1", cfg.Listener.IP)
	assert.Equal(t, 53, cfg.Listener.Port)
	assert.Equal(t, dnsfwd.DefaultUpstream, cfg.Upstream.Address)
	assert.Equal(t, dnsfwd.DefaultPrimaryDomain, cfg.Forwarder.PrimaryDomain)
	assert.Len(t, cfg.Network, 2)
	assert.True(t, cfg.Firewall.Enabled)
	assert.Equal(t, 300, cfg.Supervisor.IntervalSeconds)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *dnsfwd.Config)
		wantErr bool
	}{
		{"default ok", func(cfg *dnsfwd.Config) {}, false},
		{"bad listener ip", func(cfg *dnsfwd.Config) { cfg.Listener.IP = "localhost" }, true},
		{"zero listener port", func(cfg *dnsfwd.Config) { cfg.Listener.Port = 0 }, true},
		{"bad upstream", func(cfg *dnsfwd.Config) { cfg.Upstream.Address = "203.0.113" }, true},
		{"bad primary domain", func(cfg *dnsfwd.Config) { cfg.Forwarder.PrimaryDomain = "-bad-" }, true},
		{"bad network cidr", func(cfg *dnsfwd.Config) { cfg.Network["0"].Cidrs = []string{"10.10.0.0"} }, true},
		{"no networks", func(cfg *dnsfwd.Config) { cfg.Network = nil }, true},
		{"bad management cidr", func(cfg *dnsfwd.Config) { cfg.Firewall.ManagementCidr = "nope" }, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			err := dnsfwd.ValidateConfig(validator.New(), cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListenerUpstreamString(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, "127.0.0.1:53", cfg.Listener.String())
	assert.Equal(t, "203.0.113.10:53", cfg.Upstream.String())
}

func TestUpstreamRuleTarget(t *testing.T) {
	tests := []struct {
		name string
		uc   dnsfwd.UpstreamConfig
		want string
	}{
		{"default port", dnsfwd.UpstreamConfig{Address: "203.0.113.10", Port: 53}, "203.0.113.10"},
		{"zero port", dnsfwd.UpstreamConfig{Address: "203.0.113.10"}, "203.0.113.10"},
		{"custom port", dnsfwd.UpstreamConfig{Address: "203.0.113.10", Port: 5353}, "203.0.113.10#5353"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.uc.RuleTarget())
		})
	}
}
