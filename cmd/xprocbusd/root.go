package main

import (
	"strings"

	"github.com/danmuck/xprocbus/internal/config"
	"github.com/danmuck/xprocbus/internal/logging"
	"github.com/danmuck/xprocbus/internal/node"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type processFlags struct {
	configPath string
	id         string
	addr       string
	transport  string
	require    []string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "xprocbusd",
		Short:         "Cross-process command and event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	root.AddCommand(
		newProcessCmd(registry.RoleHub),
		newProcessCmd(registry.RoleLeaf),
		newConfigCmd(),
	)
	return root
}

func newProcessCmd(role registry.Role) *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   role.String(),
		Short: "Run a " + role.String() + " process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(role, f, cmd)
			if err != nil {
				return err
			}
			if cfg.LogLevelSet {
				zerolog.SetGlobalLevel(cfg.LogLevel)
			}
			svc, err := node.NewService(cfg)
			if err != nil {
				return err
			}
			return svc.Run()
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&f.id, "id", "", "process id")
	flags.StringVar(&f.transport, "transport", "", "channel transport (tcp or grpc)")
	if role == registry.RoleHub {
		flags.StringVar(&f.addr, "addr", "", "listen address")
	} else {
		flags.StringVar(&f.addr, "addr", "", "hub address")
		flags.StringSliceVar(&f.require, "require", nil, "processes to wait for")
	}
	return cmd
}

// resolveConfig layers explicitly set flags over the config file, or over
// the role defaults when no file is given.
func resolveConfig(role registry.Role, f processFlags, cmd *cobra.Command) (config.ProcessConfig, error) {
	cfg := config.Default(role)
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath, role); err != nil {
			return config.ProcessConfig{}, err
		}
		// The subcommand decides the role.
		cfg.Role = role
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.ProcessID = strings.TrimSpace(f.id)
	}
	if flags.Changed("addr") {
		if role == registry.RoleHub {
			cfg.ListenAddr = strings.TrimSpace(f.addr)
		} else {
			cfg.HubAddr = strings.TrimSpace(f.addr)
		}
	}
	if flags.Changed("transport") {
		cfg.Transport = config.Transport(strings.ToLower(strings.TrimSpace(f.transport)))
	}
	if flags.Changed("require") {
		cfg.Require = f.require
	}
	return cfg, cfg.Validate()
}
