package dnsfwd

import (
	"net"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SetConfigName sets the config name that dnsfwd will look for.
func SetConfigName(v *viper.Viper, name string) {
	v.SetConfigName(name)

	configPath := "$HOME"
	// Resolve the home directory with os.UserHomeDir rather than leaving the
	// "$HOME" literal for viper to expand; the two can disagree.
	if homeDir, err := os.UserHomeDir(); err == nil {
		configPath = homeDir
	}
	v.AddConfigPath(configPath)
	v.AddConfigPath("/etc/dnsfwd")
	v.AddConfigPath(".")
}

// InitConfig initializes default config values for given *viper.Viper instance.
func InitConfig(v *viper.Viper, name string) {
	SetConfigName(v, name)

	v.SetDefault("service", &ServiceConfig{
		LogLevel:      "info",
		HealthLogPath: "/var/log/dnsfwd/health.log",
	})
	v.SetDefault("listener", &ListenerConfig{
		IP:   "127.0.0.1",
		Port: 53,
	})
	v.SetDefault("upstream", &UpstreamConfig{
		Address: DefaultUpstream,
		Port:    53,
	})
	v.SetDefault("forwarder", &ForwarderConfig{
		PrimaryDomain:    DefaultPrimaryDomain,
		SearchDomain:     "internal.example-cloud.net",
		MetadataResolver: "169.254.169.253",
		CacheSize:        10000,
		ConfPath:         "/etc/dnsmasq.d/cloud-forward.conf",
		HostsPath:        "/etc/dnsmasq.d/cloud-forward.hosts",
	})
	v.SetDefault("network", map[string]*NetworkConfig{
		"0": {
			Name:  "workload network",
			Cidrs: []string{"10.10.0.0/16"},
		},
		"1": {
			Name:  "peered network",
			Cidrs: []string{"10.20.0.0/16"},
		},
	})
	v.SetDefault("firewall", &FirewallConfig{
		Enabled:        true,
		ManagementPort: 22,
		ManagementCidr: "10.0.0.0/8",
	})
	v.SetDefault("supervisor", &SupervisorConfig{
		IntervalSeconds:           300,
		ProbeTimeoutSeconds:       2,
		MinRestartIntervalSeconds: 180,
		MaxConsecutiveRestarts:    5,
	})
}

// Config represents dnsfwd supported configuration.
type Config struct {
	Service    ServiceConfig             `mapstructure:"service" toml:"service,omitempty"`
	Listener   ListenerConfig            `mapstructure:"listener" toml:"listener" validate:"required"`
	Upstream   UpstreamConfig            `mapstructure:"upstream" toml:"upstream" validate:"required"`
	Forwarder  ForwarderConfig           `mapstructure:"forwarder" toml:"forwarder" validate:"required"`
	Network    map[string]*NetworkConfig `mapstructure:"network" toml:"network" validate:"min=1,dive"`
	Firewall   FirewallConfig            `mapstructure:"firewall" toml:"firewall,omitempty"`
	Supervisor SupervisorConfig          `mapstructure:"supervisor" toml:"supervisor,omitempty"`
}

// ServiceConfig specifies the general dnsfwd config.
type ServiceConfig struct {
	LogLevel      string `mapstructure:"log_level" toml:"log_level,omitempty"`
	LogPath       string `mapstructure:"log_path" toml:"log_path,omitempty"`
	HealthLogPath string `mapstructure:"health_log_path" toml:"health_log_path,omitempty"`
}

// ListenerConfig specifies where the forwarder daemon listens for queries.
type ListenerConfig struct {
	IP   string `mapstructure:"ip" toml:"ip,omitempty" validate:"ip"`
	Port int    `mapstructure:"port" toml:"port,omitempty" validate:"gt=0"`
}

// String returns the listener in "ip:port" form.
func (lc *ListenerConfig) String() string {
	return net.JoinHostPort(lc.IP, strconv.Itoa(lc.Port))
}

// UpstreamConfig specifies the designated resolver that answers for the
// forwarded cloud domains.
type UpstreamConfig struct {
	Address string `mapstructure:"address" toml:"address,omitempty" validate:"ip"`
	Port    int    `mapstructure:"port" toml:"port,omitempty" validate:"gt=0"`
}

// String returns the upstream in "ip:port" form.
func (uc *UpstreamConfig) String() string {
	return net.JoinHostPort(uc.Address, strconv.Itoa(uc.Port))
}

// RuleTarget returns the upstream in dnsmasq server-rule form: the bare
// address, or "address#port" when the port is not the default resolver port.
func (uc *UpstreamConfig) RuleTarget() string {
	if uc.Port != 0 && uc.Port != 53 {
		return uc.Address + "#" + strconv.Itoa(uc.Port)
	}
	return uc.Address
}

// ForwarderConfig specifies how the forwarder daemon configuration is generated.
type ForwarderConfig struct {
	PrimaryDomain    string `mapstructure:"primary_domain" toml:"primary_domain,omitempty" validate:"required,fqdn"`
	SearchDomain     string `mapstructure:"search_domain" toml:"search_domain,omitempty" validate:"required,fqdn"`
	MetadataResolver string `mapstructure:"metadata_resolver" toml:"metadata_resolver,omitempty" validate:"ip"`
	CacheSize        int    `mapstructure:"cache_size" toml:"cache_size,omitempty" validate:"gte=0"`
	DNSSEC           bool   `mapstructure:"dnssec" toml:"dnssec,omitempty"`
	LogQueries       bool   `mapstructure:"log_queries" toml:"log_queries,omitempty"`
	ConfPath         string `mapstructure:"conf_path" toml:"conf_path,omitempty" validate:"required"`
	HostsPath        string `mapstructure:"hosts_path" toml:"hosts_path,omitempty" validate:"required"`
}

// NetworkConfig specifies a source network the forwarder answers for.
type NetworkConfig struct {
	Name  string   `mapstructure:"name" toml:"name,omitempty"`
	Cidrs []string `mapstructure:"cidrs" toml:"cidrs,omitempty" validate:"dive,cidr"`
}

// FirewallConfig specifies the network access policy applied after convergence.
type FirewallConfig struct {
	Enabled        bool   `mapstructure:"enabled" toml:"enabled,omitempty"`
	ManagementPort int    `mapstructure:"management_port" toml:"management_port,omitempty" validate:"gt=0"`
	ManagementCidr string `mapstructure:"management_cidr" toml:"management_cidr,omitempty" validate:"cidr"`
}

// SupervisorConfig specifies the recurring health check behavior.
type SupervisorConfig struct {
	IntervalSeconds           int `mapstructure:"interval" toml:"interval,omitempty" validate:"gt=0"`
	ProbeTimeoutSeconds       int `mapstructure:"probe_timeout" toml:"probe_timeout,omitempty" validate:"gt=0"`
	MinRestartIntervalSeconds int `mapstructure:"min_restart_interval" toml:"min_restart_interval,omitempty" validate:"gte=0"`
	MaxConsecutiveRestarts    int `mapstructure:"max_consecutive_restarts" toml:"max_consecutive_restarts,omitempty" validate:"gte=0"`
}

// ValidateConfig validates the given config.
func ValidateConfig(validate *validator.Validate, cfg *Config) error {
	return validate.Struct(cfg)
}
