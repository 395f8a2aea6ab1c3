package command

import (
	"fmt"

	"memgrid/internal/command/run"
	"memgrid/internal/config"
	"memgrid/internal/version"
	"memgrid/pkg/flags"
	"memgrid/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewRootCommand() (*cobra.Command, error) {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "memgridd",
		Short: "memgrid - LAN memory sharing and distributed inference host",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.BindCommandToViper(cmd)

			if err := log.Configure(&cfg.Logging); err != nil {
				return fmt.Errorf("configuring logging: %w", err)
			}

			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return c.Help()
		},
	}

	log.AddFlagsToCommand(cmd, &cfg.Logging)

	if err := addRootSubCommands(cmd, cfg); err != nil {
		return nil, fmt.Errorf("adding subcommands: %w", err)
	}

	cobra.OnInitialize(initCobra)

	return cmd, nil
}

func initCobra() {
	viper.SetEnvPrefix("MEMGRIDD")
	viper.AutomaticEnv()
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
	viper.AddConfigPath("$HOME/.config/memgridd/")

	_ = viper.ReadInConfig()
}

func addRootSubCommands(cmd *cobra.Command, cfg *config.Config) error {
	runCmd, err := run.NewCommand(cfg)
	if err != nil {
		return fmt.Errorf("creating run cobra command: %w", err)
	}

	cmd.AddCommand(runCmd)
	cmd.AddCommand(versionCommand())

	return nil
}

func versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of memgridd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			short, err := cmd.Flags().GetBool("short")
			if err != nil {
				return err
			}

			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Version)

				return nil
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"%s\n  Version:    %s\n  CommitHash: %s\n  BuildDate:  %s\n",
				version.PackageName,
				version.Version,
				version.CommitHash,
				version.BuildDate,
			)

			return nil
		},
	}

	_ = cmd.Flags().Bool("short", false, "Print the bare version only")

	return cmd
}
