// Package cmd implements the cadence command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/cadence/internal/config"
	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/styles"
)

// ProjectConfigFile is merged over the user config when present in the
// working directory.
const ProjectConfigFile = "cadence.yaml"

// NewRootCmd builds the cadence command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cadence",
		Short: "Drive an implementation plan through a gated phase pipeline",
		Long: `Cadence takes a plan of ordered steps and moves each one through
strategy, implementation, drift gate, verification, quality review,
logging and commit. Workers do the phase work; cadence enforces the
order, watches for drift and stops for a human decision whenever a
judgment call is needed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/cadence/config.yaml)")
	root.PersistentFlags().String("log-level", "", "debug log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newAckCmd(),
		newPublishCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newLogsCmd(),
		newConfigCmd(),
	)
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// session, which then halts at the next phase boundary.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errReported) {
		fmt.Fprintln(root.ErrOrStderr(), styles.Error.Render("Error: "+err.Error()))
	}
	return err
}

func initConfig(cmd *cobra.Command) error {
	// Defaults first so they apply without any config file
	config.SetDefaults()

	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.SetEnvPrefix("CADENCE")
	// CADENCE_PIPELINE_COMMIT_POLICY for pipeline.commit_policy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if cfgFile == "" {
		if cwd, err := os.Getwd(); err == nil {
			project := filepath.Join(cwd, ProjectConfigFile)
			if _, err := os.Stat(project); err == nil {
				viper.SetConfigFile(project)
				if err := viper.MergeInConfig(); err != nil {
					return fmt.Errorf("failed to read %s: %w", project, err)
				}
			}
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		viper.Set("logging.level", level)
	}
	return nil
}
