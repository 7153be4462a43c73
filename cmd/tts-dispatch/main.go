// main package for the tts-dispatch service
package main

import (
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-dispatch/internal/config"
	"github.com/spf13/cobra"
)

const (
	bootstrapLogFile = "tts-dispatch-bootstrap.log"
	serviceLogFile   = "tts-dispatch.log"
	logDirPerm       = 0o755

	flagConfig     = "config"
	flagConfigDesc = "Path to a TOML config file (defaults to the project configurator)"
)

// runtime is what every subcommand needs: the loaded config and the final
// logger.
type runtime struct {
	cfg        *config.Config
	log        *logger.Logger
	configPath string
}

func (r *runtime) close() {
	closeErr := r.log.Close()
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
	}
}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	err := os.MkdirAll(logPath, logDirPerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logPath, err)
	}

	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// bootstrap loads the configuration with a temporary logger and then opens
// the service logger under the configured logs directory.
func bootstrap(configPath string) (*runtime, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	bootstrapLog.Info("Bootstrap logger created.")

	var cfg *config.Config

	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, err
	}

	for _, name := range cfg.MissingTokens() {
		finalLog.Warn("Endpoint %s has no studio token; only public repositories will accept it", name)
	}

	return &runtime{cfg: cfg, log: finalLog, configPath: configPath}, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tts-dispatch",
		Short:         "Dispatch speech synthesis to a pool of remote repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, flagConfig, "", flagConfigDesc)

	load := func() (*runtime, error) {
		return bootstrap(configPath)
	}

	root.AddCommand(serveCmd(load), sayCmd(load), discoverCmd(load), probeCmd(load))

	return root
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
