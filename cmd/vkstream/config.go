package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/vkstream/internal/appconfig"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	var writeDefault bool
	var force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if writeDefault {
				path, err := appconfig.WriteDefault(root.configPath, force)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return err
			}
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			data, err := appconfig.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&writeDefault, "init", false, "write the default config file instead of printing")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file with --init")
	return cmd
}
