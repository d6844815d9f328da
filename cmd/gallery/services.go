package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"imagegallery/gallery"
	"imagegallery/server"
	"imagegallery/webclient"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// configFile returns the --config path, or "" when the default path does not exist.
func (f *globalFlags) configFile(def string) (string, error) {
	if f.configPath != "" {
		if _, err := os.Stat(f.configPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config file not found at %s. Run 'gallery config init' to create it", f.configPath)
			}
			return "", fmt.Errorf("stat config: %w", err)
		}
		return f.configPath, nil
	}
	if _, err := os.Stat(def); err == nil {
		return def, nil
	}
	return "", nil
}

func newIDPCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "idp",
		Short: "Run the identity provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			path, err := flags.configFile("./idp.yaml")
			if err != nil {
				return err
			}
			cfg, err := server.LoadConfig(path)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := server.NewApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init identity provider: %w", err)
			}
			defer app.Close()
			app.JWKS.StartRotation(ctx)

			logger.Info("identity provider starting", "issuer", cfg.Server.Issuer(), "storage", cfg.Storage.Driver)
			return serve(ctx, cfg.Server, app.Routes(), logger)
		},
	}
}

func newAPICmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the image API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			path, err := flags.configFile("./api.yaml")
			if err != nil {
				return err
			}
			cfg, err := gallery.LoadConfig(path)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			api, err := gallery.NewAPI(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("init image api: %w", err)
			}
			defer api.Close()

			logger.Info("image api starting", "issuer", cfg.Auth.Issuer, "audience", cfg.Auth.Audience, "db", cfg.Database.Driver)
			return serve(ctx, cfg.Server, api.Routes(), logger)
		},
	}
}

func newClientCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run the web client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			path, err := flags.configFile("./client.yaml")
			if err != nil {
				return err
			}
			cfg, err := webclient.LoadConfig(path)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			app, err := webclient.NewApp(ctx, cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("init web client: %w", err)
			}
			defer app.Close()

			logger.Info("web client starting", "issuer", cfg.OIDC.Issuer, "api", cfg.API.BaseURL)
			return serve(ctx, cfg.Server, app.Routes(), logger)
		},
	}
}
