package main

// @title contextd API
// @version 1.0
// @description Retrieval-augmented context assembly: knowledge retrieval, user memories and prompt building.

// @license.name MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

import (
	"fmt"
	"os"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configPath string

	// CLI overrides
	appName    string
	serverPort int
	logLevel   string
	debugMode  bool
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "contextd",
	Short: "Retrieval-augmented context assembly service",
	Long: "contextd retrieves knowledge passages, keeps per-user long-term and active memory " +
		"and assembles them into prompts for a language model.",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&appName, "app-name", "", "Override app name")
	flags.IntVar(&serverPort, "port", 0, "Override server port")
	flags.StringVar(&logLevel, "log-level", "", "Override log level")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if appName != "" {
		overrides["app.name"] = appName
	}
	if serverPort != 0 {
		overrides["server.port"] = serverPort
	}
	if logLevel != "" {
		overrides["log.level"] = logLevel
	}
	if debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, logger.Logger, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath, buildOverrides())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	// A discovered file is watched like an explicit one.
	if configPath == "" {
		configPath = loader.Source()
	}

	logCfg := &logger.Config{
		Level:        logger.ParseLevel(cfg.Log.Level),
		Format:       cfg.Log.Format,
		Output:       cfg.Log.Output,
		ExtraOutputs: cfg.Log.ExtraOutputs,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	return cfg, log, nil
}
