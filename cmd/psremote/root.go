package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	psremoting "github.com/kmahony/go-psremoting"
	"github.com/kmahony/go-psremoting/config"
)

var (
	configPath string
	pwshCmd    string
	verbose    bool
)

// rootCmd is the base command. Subcommands do the actual work; invoking the
// bare binary prints help.
var rootCmd = &cobra.Command{
	Use:           "psremote",
	Short:         "Client for PowerShell remoting runspace pools",
	Long:          `psremote drives a PowerShell host process over its stdio transport: it negotiates a session, opens a runspace pool, and runs pipelines in it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&pwshCmd, "command", "", "PowerShell host command to launch (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig resolves the effective configuration from flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if pwshCmd != "" {
		cfg.Transport.Command = pwshCmd
	}
	if verbose {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Logging) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newClient builds a connected-ready client from the resolved config.
func newClient() (*psremoting.Client, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	client := psremoting.NewClient(
		psremoting.ProcessDialer(cfg.Transport),
		psremoting.WithConfig(cfg),
		psremoting.WithLogger(log),
	)
	return client, log, nil
}
