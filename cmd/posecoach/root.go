package main

import (
	"fmt"
	"os"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/config"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/spf13/cobra"
)

// commandContext carries the persistent flags into subcommands.
type commandContext struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	if c.cfg != nil {
		return *c.cfg, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return cfg, err
	}
	c.cfg = &cfg
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) error {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	useColor := logger.ColorSupported(os.Stderr)
	switch lc.Color {
	case "always":
		useColor = true
	case "never":
		useColor = false
	}
	logger.Init(level, os.Stderr, useColor)
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "posecoach",
		Short:         "Pose comparison and scoring server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newScoreCommand(ctx))
	rootCmd.AddCommand(newLibraryCommand(ctx))

	return rootCmd
}
