package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/styles"
)

const configHeader = `# cadence configuration
#
# Values here are overridden by ./cadence.yaml in a repository and by
# CADENCE_* environment variables (CADENCE_PIPELINE_COMMIT_POLICY for
# pipeline.commit_policy).
#
# Each workers.<phase>.command receives the phase request as JSON on stdin
# and must print its response as JSON on stdout.

`

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), styles.Warning.Render(err.Error()))
			}
			data, err := yaml.Marshal(viper.AllSettings())
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Fprintln(cmd.OutOrStdout(), styles.Muted.Render("# from "+used))
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var (
		project bool
		force   bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ConfigFile()
			if project {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current directory: %w", err)
				}
				path = filepath.Join(cwd, ProjectConfigFile)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			data, err := yaml.Marshal(config.DefaultSettings())
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(path, append([]byte(configHeader), data...), 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("Wrote "+path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&project, "project", false, "write ./cadence.yaml instead of the user config")
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the user config file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigFile())
		},
	}

	cmd.AddCommand(show, initCmd, path)
	return cmd
}
