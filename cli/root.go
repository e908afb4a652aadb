// Package cli implements the `car` command tree: the hub server, the
// detached flow worker entrypoint, flow control commands and the ticket and
// inbox utilities. Command handling stays thin; the services registry does
// the real work.
package cli

import (
	"fmt"
	"os"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/services"
	"car.autorunner.dev/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootLogger *logrus.Logger
)

// RootCmd is the `car` command.
var RootCmd = &cobra.Command{
	Use:           "car",
	Short:         "codex-autorunner hub: orchestrates AI coding agent sessions across repos",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .codex-autorunner/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(flowCmd)
	RootCmd.AddCommand(ticketsCmd)
	RootCmd.AddCommand(inboxCmd)
	RootCmd.AddCommand(reconcileCmd)
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		fmt.Printf("car %s (%s, %s)\n", info.Version, info.GoVersion, info.MainModule)
		return nil
	},
}

// Execute runs the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadHubConfig resolves the hub config relative to the working directory.
func loadHubConfig() (config.HubConfig, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.HubConfig{}, "", err
	}
	hubRoot := config.FindHubRoot(cwd)
	cfg, err := config.LoadHubConfig(hubRoot, configPath)
	if err != nil {
		return cfg, hubRoot, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, hubRoot, nil
}

// setupLogger builds the process logger once per invocation.
func setupLogger(cfg config.HubConfig) *logrus.Entry {
	if rootLogger == nil {
		rootLogger = common.NewLogger(common.LoggerConfig{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
		})
	}
	return rootLogger.WithField("service", "car")
}

// newServices builds the services registry for the current invocation.
func newServices() (*services.Services, config.HubConfig, *logrus.Entry, error) {
	cfg, hubRoot, err := loadHubConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	logger := setupLogger(cfg)
	return services.New(hubRoot, logger), cfg, logger, nil
}

// currentRepoRoot returns the repo the command operates on (the CWD).
func currentRepoRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return cwd, nil
}
