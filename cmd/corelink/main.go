package main

import (
	"fmt"
	"os"

	"github.com/corelink-dev/corelink/internal/support/logging"
	"github.com/spf13/cobra"
)

// Build info - injected via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	settingsPath string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "corelink",
	Short: "CoreLink proxy configuration manager",
	Long:  `CoreLink manages proxy server links, subscriptions and engine configurations.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "corelink.json", "Settings file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text|json)")
}

func newLogger() *logSink {
	logger := logging.New(logging.Options{
		Level:  logging.ParseLevel(logLevel),
		Format: logFormat,
	})
	return &logSink{logger: logger}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
