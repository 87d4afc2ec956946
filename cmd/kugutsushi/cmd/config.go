package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kugutsushi/kugutsushi-search/internal/config"
)

// newConfigCmd groups subcommands that manage the user/global configuration
// file, distinct from the per-corpus .kugutsushi-search.yaml each corpus
// command loads via config.Load.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage user configuration",
		Long: `Manage the user/global configuration file.

User configuration holds machine-wide defaults that apply to every corpus
on this machine: embedding provider/model, Ollama host, performance
tuning, and log level.

Precedence (lowest to highest): hardcoded defaults, user config
(~/.config/kugutsushi-search/config.yaml), per-corpus project config
(.kugutsushi-search.yaml), then KUGUTSUSHI_* environment variables.`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the user configuration file",
		Long: `Create the user configuration file populated with the hardcoded
defaults. If a config already exists, it is left untouched unless --force
is given, in which case it is backed up first and then overwritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing user config (backs it up first)")
	return cmd
}

func runConfigInit(cmd *cobra.Command, force bool) error {
	out := cmd.OutOrStdout()
	configPath := config.GetUserConfigPath()

	if config.UserConfigExists() {
		if !force {
			fmt.Fprintf(out, "user configuration already exists at %s\nuse --force to overwrite (a backup is kept)\n", configPath)
			return nil
		}
		backupPath, err := config.BackupUserConfig()
		if err != nil {
			return fmt.Errorf("backup existing config: %w", err)
		}
		fmt.Fprintf(out, "backed up existing config to %s\n", backupPath)
	}

	if err := config.NewConfig().WriteYAML(configPath); err != nil {
		return fmt.Errorf("write user config: %w", err)
	}
	fmt.Fprintf(out, "created user configuration at %s\n", configPath)
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		source     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging defaults, user config, project
config, and environment overrides, or a single layer with --source.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, jsonOutput, source)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&source, "source", "merged", "config source: merged, user, defaults")
	return cmd
}

func runConfigShow(cmd *cobra.Command, jsonOutput bool, source string) error {
	var cfg *config.Config

	switch source {
	case "merged":
		var err error
		cfg, err = config.Load(findRoot())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	case "user":
		userCfg, err := config.LoadUserConfig()
		if err != nil {
			return fmt.Errorf("load user config: %w", err)
		}
		if userCfg == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "no user configuration found at %s\nrun 'kugutsushi-search config init' to create one\n", config.GetUserConfigPath())
			return nil
		}
		cfg = userCfg
	case "defaults":
		cfg = config.NewConfig()
	default:
		return fmt.Errorf("invalid source %q (use: merged, user, defaults)", source)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user configuration file path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return nil
		},
	}
}

func newConfigBackupCmd() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the user configuration file",
		Long: `Create a timestamped copy of the user configuration file, keeping
at most config.MaxBackups. With --list, print existing backups instead
of creating a new one.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				return runConfigListBackups(cmd)
			}
			return runConfigBackup(cmd)
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list existing backups instead of creating one")
	return cmd
}

func runConfigBackup(cmd *cobra.Command) error {
	backupPath, err := config.BackupUserConfig()
	if err != nil {
		return fmt.Errorf("backup config: %w", err)
	}
	if backupPath == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no user configuration to back up")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backed up to %s\n", backupPath)
	return nil
}

func runConfigListBackups(cmd *cobra.Command) error {
	backups, err := config.ListUserConfigBackups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no backups found")
		return nil
	}
	for _, b := range backups {
		fmt.Fprintln(cmd.OutOrStdout(), b)
	}
	return nil
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-path>",
		Short: "Restore the user configuration from a backup",
		Long: `Restore the user configuration file from a previously created backup.
The current config, if any, is itself backed up first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("backup file not found: %w", err)
			}
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return fmt.Errorf("restore config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored user configuration from %s\n", args[0])
			return nil
		},
	}
}
