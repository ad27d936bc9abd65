package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/netopshq/dnsfwd"
)

var svcConfig = &service.Config{
	Name:        "dnsfwd",
	DisplayName: "Cloud DNS Forwarder Supervisor",
	Description: "Supervises the local DNS forwarder and restarts it on failure.",
	Arguments:   []string{"run"},
	Option:      service.KeyValue{},
}

// prog adapts the supervisor to the service manager's lifecycle.
type prog struct {
	sup    *supervisor
	stopCh chan struct{}
}

func (p *prog) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *prog) run() {
	ctx := context.Background()
	go watchResolvConf(resolvConfPath(), p.stopCh)
	p.sup.run(ctx)
}

func (p *prog) Stop(s service.Service) error {
	p.sup.stop()
	close(p.stopCh)
	return nil
}

// runSupervisorService runs the supervisor under the service manager. When
// invoked interactively it blocks until interrupted.
func runSupervisorService() error {
	health := newHealthLog(cfg.Service.HealthLogPath)
	p := &prog{
		sup:    newSupervisor(&cfg, execRunner{}, health, restartGroup),
		stopCh: make(chan struct{}),
	}
	s, err := newService(p, svcConfig)
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	return s.Run()
}

// newService wraps service.New to return a wrapper suitable for the platform.
func newService(i service.Interface, c *service.Config) (service.Service, error) {
	s, err := service.New(i, c)
	if err != nil {
		return nil, err
	}
	switch s.Platform() {
	case "linux-systemd":
		return &systemd{s}, nil
	case "unix-systemv":
		return &sysV{s}, nil
	}
	return s, nil
}

// systemd wraps a service.Service to report a failed unit as stopped.
type systemd struct {
	service.Service
}

func (s *systemd) Status() (service.Status, error) {
	out, _ := exec.Command("systemctl", "status", svcConfig.Name).CombinedOutput()
	if bytes.Contains(out, []byte("/FAILURE)")) {
		return service.StatusStopped, nil
	}
	return s.Service.Status()
}

// sysV wraps a service.Service with start/stop/status via the init script,
// for hosts where the "service" command is unavailable.
type sysV struct {
	service.Service
}

func (s *sysV) initScript() string {
	return "/etc/init.d/" + svcConfig.Name
}

func (s *sysV) installed() bool {
	fi, err := os.Stat(s.initScript())
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode.IsRegular() && (mode&0111) != 0
}

func (s *sysV) Start() error {
	if !s.installed() {
		return service.ErrNotInstalled
	}
	_, err := exec.Command(s.initScript(), "start").CombinedOutput()
	return err
}

func (s *sysV) Stop() error {
	if !s.installed() {
		return service.ErrNotInstalled
	}
	_, err := exec.Command(s.initScript(), "stop").CombinedOutput()
	return err
}

func (s *sysV) Restart() error {
	if !s.installed() {
		return service.ErrNotInstalled
	}
	// The service may already be stopped; only the start result matters.
	_ = s.Stop()
	return s.Start()
}

type task struct {
	f            func() error
	abortOnError bool
	name         string
}

func doTasks(tasks []task) bool {
	var prevErr error
	for _, task := range tasks {
		if err := task.f(); err != nil {
			if task.abortOnError {
				mainLog.Load().Error().Msg(errors.Join(prevErr, err).Error())
				return false
			}
			prevErr = err
		}
	}
	return true
}

func checkHasElevatedPrivilege() error {
	if os.Geteuid() != 0 {
		return errors.New("this command must be run as root")
	}
	return nil
}

func newSupervisorService() (service.Service, error) {
	return newService(&prog{stopCh: make(chan struct{})}, svcConfig)
}

// supervisorServiceState maps the service manager's status onto the service
// lifecycle states.
func supervisorServiceState() dnsfwd.ServiceState {
	s, err := newSupervisorService()
	if err != nil {
		return dnsfwd.ServiceFailed
	}
	status, err := s.Status()
	switch {
	case errors.Is(err, service.ErrNotInstalled):
		return dnsfwd.ServiceNotInstalled
	case err != nil:
		return dnsfwd.ServiceFailed
	}
	switch status {
	case service.StatusRunning:
		return dnsfwd.ServiceRunning
	case service.StatusStopped:
		return dnsfwd.ServiceInstalledStopped
	}
	return dnsfwd.ServiceFailed
}

func serviceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and start the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkHasElevatedPrivilege(); err != nil {
				return err
			}
			s, err := newSupervisorService()
			if err != nil {
				return err
			}
			tasks := []task{
				{s.Install, true, "Install"},
				{s.Start, true, "Start"},
			}
			if !doTasks(tasks) {
				return errors.New("service installation failed")
			}
			mainLog.Load().Info().Msg("service installed and started")
			return nil
		},
	}
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and uninstall the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkHasElevatedPrivilege(); err != nil {
				return err
			}
			s, err := newSupervisorService()
			if err != nil {
				return err
			}
			tasks := []task{
				{s.Stop, false, "Stop"},
				{s.Uninstall, true, "Uninstall"},
			}
			if !doTasks(tasks) {
				return errors.New("service uninstallation failed")
			}
			mainLog.Load().Info().Msg("service uninstalled")
			return nil
		},
	}
}

func serviceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSupervisorService()
			if err != nil {
				return err
			}
			if err := s.Start(); err != nil {
				return err
			}
			mainLog.Load().Info().Msg("service started")
			return nil
		},
	}
}

func serviceStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSupervisorService()
			if err != nil {
				return err
			}
			if err := s.Stop(); err != nil {
				return err
			}
			mainLog.Load().Info().Msg("service stopped")
			return nil
		},
	}
}

func serviceRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the supervisor service",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSupervisorService()
			if err != nil {
				return err
			}
			tasks := []task{
				{s.Stop, false, "Stop"},
				{s.Start, true, "Start"},
			}
			if !doTasks(tasks) {
				return errors.New("service restart failed")
			}
			mainLog.Load().Info().Msg("service restarted")
			return nil
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the supervisor service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(supervisorServiceState())
			return nil
		},
	}
}
