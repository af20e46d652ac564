package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/starsync/pkg/config"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "starsync",
		Short: "starsync - PostgreSQL to StarRocks change data capture",
		Long: `starsync replicates PostgreSQL tables into StarRocks. It snapshots the
configured tables, streams committed changes from a logical replication slot
and applies them idempotently, checkpointing the replication position.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "starsync v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	root.AddCommand(newRunCommand(), newValidateCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication service",
		Long: `Run the replication service until it receives SIGINT or SIGTERM.

Example:
  starsync run --config /etc/starsync/config.yaml --mode k8s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().String("mode", config.DeploymentDocker, "Deployment mode: docker or k8s")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print it with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().String("mode", config.DeploymentDocker, "Deployment mode: docker or k8s")
	return cmd
}

// loadConfig layers defaults, the YAML file, the environment and the --mode
// flag.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlag("deployment_mode", cmd.Flags().Lookup("mode")); err != nil {
		return nil, fmt.Errorf("bind --mode: %w", err)
	}
	return config.LoadWithViper(v, path)
}
