// Command gallery runs the image gallery identity demo: the identity
// provider, the image API and the web client.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gallery",
		Short:         "Image gallery identity demo",
		SilenceUsage:  true,
		Long: `gallery runs one of the three services of the image gallery demo:

  idp     OAuth2/OpenID Connect identity provider (default 127.0.0.1:5001)
  api     image API protected by bearer tokens and policies (default 127.0.0.1:5002)
  client  browser-facing web application (default 127.0.0.1:5003)

Each service reads an optional YAML config file and environment overrides.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("GALLERY_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(newIDPCmd(flags))
	root.AddCommand(newAPICmd(flags))
	root.AddCommand(newClientCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	return root
}

func (f *globalFlags) logger() (*slog.Logger, error) {
	level, err := parseLogLevel(f.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
