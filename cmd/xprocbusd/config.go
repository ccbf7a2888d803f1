package main

import (
	"fmt"

	"github.com/danmuck/xprocbus/internal/config"
	"github.com/danmuck/xprocbus/internal/registry"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate and check process config files",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		kind      string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "leaf", "template kind (hub or leaf)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0], registry.RoleLeaf)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "process_id: %s\n", cfg.ProcessID)
			fmt.Fprintf(out, "role: %s\n", cfg.Role)
			fmt.Fprintf(out, "transport: %s\n", cfg.Transport)
			if cfg.Role == registry.RoleHub {
				fmt.Fprintf(out, "listen_addr: %s\n", cfg.ListenAddr)
			} else {
				fmt.Fprintf(out, "hub_addr: %s\n", cfg.HubAddr)
			}
			fmt.Fprintf(out, "request_timeout: %s\n", cfg.Session.RequestTimeout)
			return nil
		},
	}
}
