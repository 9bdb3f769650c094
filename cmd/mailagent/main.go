// Command mailagent polls a mailbox and answers incoming mail with
// AI-generated replies.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/mailagent/internal/model"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mailagent",
		Short:         "Answer incoming mail with AI-generated replies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "Path to the YAML configuration file")

	load := func() (*model.Config, error) {
		return model.LoadConfig(configPath)
	}

	rootCmd.AddCommand(
		newRunCmd(load),
		newOnceCmd(load),
		newAuditCmd(load),
		newStatusCmd(load),
		newConfigCmd(load, func() string { return configPath }),
		newCredentialCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type configLoader func() (*model.Config, error)

// newLogger builds the production JSON logger at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = atomicLevel
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}
