package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuonglm/osinfo"
	"github.com/go-playground/validator/v10"
	"github.com/olekukonko/tablewriter"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/netopshq/dnsfwd"
	"github.com/netopshq/dnsfwd/internal/dnsmasq"
	"github.com/netopshq/dnsfwd/internal/portcheck"
	"github.com/netopshq/dnsfwd/internal/resolvconf"
)

var (
	version = "dev"
	commit  = "none"
)

func curVersion() string {
	if version != "dev" && !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s-%s", version, commit)
}

func initCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "dnsfwd",
		Short:   "cloud DNS forwarding node provisioning and supervision",
		Version: curVersion(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConsoleLogging()
		},
	}
	rootCmd.PersistentFlags().CountVarP(
		&verbose,
		"verbose",
		"v",
		`verbose log output, "-v" debug level logging, "-vv" trace level logging`,
	)
	rootCmd.PersistentFlags().BoolVarP(
		&silent,
		"silent",
		"s",
		false,
		"do not write any log output",
	)
	rootCmd.PersistentFlags().StringVarP(
		&configPath,
		"config",
		"c",
		"",
		"path to config file",
	)

	setupCmd := &cobra.Command{
		Use:   "setup [primary-domain]",
		Short: "Converge the host into a forwarding node for the given primary domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			readConfig()
			if len(args) == 1 {
				cfg.Forwarder.PrimaryDomain = dnsfwd.CanonicalDomain(args[0])
			}
			if err := dnsfwd.ValidateConfig(validator.New(), &cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			oi := osinfo.New()
			mainLog.Load().Info().
				Str("os", oi.String()).
				Str("primary_domain", cfg.Forwarder.PrimaryDomain).
				Str("upstream", cfg.Upstream.String()).
				Msg("starting convergence")
			c := newConverger(&cfg)
			if err := c.Run(cmd.Context()); err != nil {
				return err
			}
			// Persist the effective config so the supervisor service and
			// later runs see the same settings this pass used.
			if err := writeConfigFile(&cfg); err != nil {
				mainLog.Load().Warn().Err(err).Msg("could not write config file")
			}
			mainLog.Load().Info().Msg("convergence completed")
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor, restarting the forwarder on detected failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			readConfig()
			if err := dnsfwd.ValidateConfig(validator.New(), &cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			initLogging()
			return runSupervisorService()
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service state and recent health history",
		RunE: func(cmd *cobra.Command, args []string) error {
			readConfig()
			return runStatus(os.Stdout)
		},
	}

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the supervisor system service",
	}
	serviceCmd.AddCommand(
		serviceInstallCmd(),
		serviceUninstallCmd(),
		serviceStartCmd(),
		serviceStopCmd(),
		serviceRestartCmd(),
		serviceStatusCmd(),
	)

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serviceCmd)
	return rootCmd
}

// readConfig loads the config file if present, falling back to defaults.
func readConfig() {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			mainLog.Load().Fatal().Err(err).Msg("failed to read config")
		}
		mainLog.Load().Debug().Msg("no config file found, using defaults")
	}
	if err := v.Unmarshal(&cfg); err != nil {
		mainLog.Load().Fatal().Err(err).Msg("failed to unmarshal config")
	}
}

// defaultConfigWritePath is where setup persists the config when none was
// loaded from disk.
const defaultConfigWritePath = "/etc/dnsfwd/dnsfwd.toml"

func writeConfigFile(cfg *dnsfwd.Config) error {
	path := configPath
	if path == "" {
		path = v.ConfigFileUsed()
	}
	if path == "" {
		path = defaultConfigWritePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	mainLog.Load().Info().Str("path", path).Msg("config written")
	return nil
}

// runStatus renders the service state, the deployed forwarder state and the
// tail of the health history.
func runStatus(w io.Writer) error {
	state := supervisorServiceState()
	fmt.Fprintf(w, "supervisor service: %s\n", state)
	writeDeploymentStatus(w, &cfg, resolvconf.DefaultPath)

	records, err := readHealthLog(cfg.Service.HealthLogPath, 10)
	if err != nil {
		return fmt.Errorf("reading health log: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no health records")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Time", "Resolution", "Service", "Port"})
	for _, rec := range records {
		table.Append([]string{
			rec.Time.Format("2006-01-02 15:04:05"),
			passFailCell(rec.ResolutionOK),
			passFailCell(rec.ServiceRunning),
			passFailCell(rec.PortBound),
		})
	}
	table.Render()
	return nil
}

// writeDeploymentStatus reports what is actually deployed on the host: the
// drop-in the forwarder runs with and where resolution currently points.
// A host that was never converged has none of it; absent pieces are skipped.
func writeDeploymentStatus(w io.Writer, cfg *dnsfwd.Config, resolvPath string) {
	if addr, err := dnsmasq.ListenAddrFromConfig(cfg.Forwarder.ConfPath); err == nil {
		fmt.Fprintf(w, "forwarder listen address: %s\n", addr)
	}
	if rules, err := dnsmasq.RulesFromConfig(cfg.Forwarder.ConfPath); err == nil {
		fmt.Fprintf(w, "forwarding rules deployed: %d\n", len(rules))
		for _, rule := range rules {
			fmt.Fprintf(w, "  %s -> %s\n", rule.Domain, rule.Upstream)
		}
	}
	if bound, err := portcheck.Bound(uint32(cfg.Listener.Port)); err == nil {
		fmt.Fprintf(w, "resolution port bound: %v\n", bound)
	}
	if ns := resolvconf.Nameservers(resolvPath); len(ns) > 0 {
		fmt.Fprintf(w, "resolv.conf nameservers: %s\n", strings.Join(ns, " "))
	}
}

func passFailCell(ok bool) string {
	if ok {
		return "pass"
	}
	return "FAIL"
}
