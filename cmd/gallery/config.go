package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imagegallery/config"
	"imagegallery/gallery"
	"imagegallery/server"
	"imagegallery/webclient"
)

// services maps a service name to its default config and loader.
var services = map[string]struct {
	defaults func() any
	load     func(path string) error
}{
	"idp": {
		defaults: func() any { return server.DefaultConfig() },
		load:     func(p string) error { _, err := server.LoadConfig(p); return err },
	},
	"api": {
		defaults: func() any { return gallery.DefaultConfig() },
		load:     func(p string) error { _, err := gallery.LoadConfig(p); return err },
	},
	"client": {
		defaults: func() any { return webclient.DefaultConfig() },
		load:     func(p string) error { _, err := webclient.LoadConfig(p); return err },
	},
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check service configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "init idp|api|client",
		Short:     "Write the default configuration of a service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"idp", "api", "client"},
		RunE: func(_ *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			path := flags.pathFor(args[0])
			if err := config.WriteFile(path, services[args[0]].defaults()); err != nil {
				return err
			}
			logger.Info("configuration initialized successfully", "service", args[0], "path", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "validate idp|api|client",
		Short:     "Load and validate the configuration of a service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"idp", "api", "client"},
		RunE: func(_ *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			path := flags.pathFor(args[0])
			if err := services[args[0]].load(path); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			logger.Info("configuration is valid", "service", args[0], "path", path)
			return nil
		},
	})
	return cmd
}

func (f *globalFlags) pathFor(service string) string {
	if f.configPath != "" {
		return f.configPath
	}
	return "./" + service + ".yaml"
}
