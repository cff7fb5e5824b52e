package main

import (
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/stone-age-io/pigzd/internal/agent"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := agent.New(opts.configPath, version)
			if err != nil {
				return err
			}
			return a.Run()
		},
	}
}

// program adapts the agent to the service manager
type program struct {
	configPath string
	agent      *agent.Agent
}

func (p *program) Start(s service.Service) error {
	a, err := agent.New(p.configPath, version)
	if err != nil {
		return err
	}
	p.agent = a
	a.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.agent == nil {
		return nil
	}
	return p.agent.Shutdown()
}

func newService(configPath string) (service.Service, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	svcConfig := &service.Config{
		Name:        "pigzd",
		DisplayName: "pigzd compression orchestrator",
		Description: "Adaptive parallel compression daemon with scheduled watch folders.",
		Arguments:   []string{"service", "run", "--config", abs},
	}
	return service.New(&program{configPath: abs}, svcConfig)
}

func newServiceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the system service",
	}

	for _, action := range []string{"install", "uninstall", "start", "stop", "restart"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the pigzd service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := newService(opts.configPath)
				if err != nil {
					return err
				}
				if err := service.Control(svc, action); err != nil {
					return fmt.Errorf("service %s failed: %w", action, err)
				}
				fmt.Println(successStyle.Render(fmt.Sprintf("Service %s: ok", action)))
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(opts.configPath)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	})

	return cmd
}
