package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/orgmail-gateway/internal/app"
	"github.com/nhle/orgmail-gateway/internal/model"
)

// Config holds the process-level inputs of the CLI.
type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
	InputReader  io.Reader
}

// DefaultConfig reads ~/.config/orgmail/config.yaml and writes to stdout.
func DefaultConfig() Config {
	return Config{
		ConfigPath:   model.DefaultConfigPath(),
		OutputWriter: os.Stdout,
		InputReader:  os.Stdin,
	}
}

type runtimeState struct {
	configPath string
	debug      bool
	writer     io.Writer
	reader     io.Reader

	// appOptions lets tests swap network collaborators.
	appOptions app.Options
}

// NewRootCommand builds the orgmail command tree.
func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath: cfg.ConfigPath,
		writer:     cfg.OutputWriter,
		reader:     cfg.InputReader,
	}
	return newRootCommand(rt)
}

func newRootCommand(rt *runtimeState) *cobra.Command {
	root := &cobra.Command{
		Use:           "orgmail",
		Short:         "Organization-scoped newsletter mail gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", rt.configPath, "path to the config file")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(rt),
		newIngestCommand(rt),
		newDirectoryCommand(rt),
		newCredentialCommand(rt),
	)
	return root
}

// loadConfig reads and validates the configuration file.
func (rt *runtimeState) loadConfig() (*model.AppConfig, error) {
	cfg, err := model.LoadConfig(rt.configPath)
	if err != nil {
		return nil, err
	}
	if rt.debug {
		cfg.Server.Debug = true
	}
	return cfg, nil
}

// openApp loads configuration and builds the application.
func (rt *runtimeState) openApp(ctx context.Context, log *zap.Logger) (*app.App, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return app.New(ctx, cfg, log.Sugar(), rt.appOptions)
}

func setupLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	// Logs go to stderr so command output on stdout stays machine readable.
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		stdlog.Fatalf("failed to set up logger: %v", err)
	}
	return logger
}
