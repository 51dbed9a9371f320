package main

import (
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/infraguys/gcl-looper/launchpad"
)

// program adapts launchpad.Run to the kardianos service interface: Start
// must not block, Stop requests a graceful shutdown that Run observes
// through its Shutdown channel.
type program struct {
	cfgPath  string
	shutdown chan struct{}
	done     chan error
}

func (p *program) Start(service.Service) error {
	p.shutdown = make(chan struct{})
	p.done = make(chan error, 1)
	go func() {
		p.done <- launchpad.Run(launchpad.RunParams{
			ConfigPath: p.cfgPath,
			NoSignals:  true,
			Shutdown:   p.shutdown,
		})
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	close(p.shutdown)
	return <-p.done
}

func newService(cfgPath string) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        "gcl-looper",
		DisplayName: "gcl-looper",
		Description: "Runs looping services from a YAML configuration.",
		Arguments:   []string{"service", "run", "--config", cfgPath},
	}
	return service.New(&program{cfgPath: cfgPath}, svcConfig)
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage gcl-looper as a system service",
	}

	var cfgPath string
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "gcl-looper.yaml", "Path to configuration file")

	control := func(action string) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, _ []string) error {
			svc, err := newService(cfgPath)
			if err != nil {
				return err
			}
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service %s: %w", action, err)
			}
			fmt.Printf("Service %s: done\n", action)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Install the system service",
			RunE:  control("install"),
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the system service",
			RunE:  control("uninstall"),
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the installed service",
			RunE:  control("start"),
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the installed service",
			RunE:  control("stop"),
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run under the service manager (invoked by the manager itself)",
			RunE: func(_ *cobra.Command, _ []string) error {
				svc, err := newService(cfgPath)
				if err != nil {
					return err
				}
				return svc.Run()
			},
		},
	)
	return cmd
}
