package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"imagegallery/config"
)

const shutdownTimeout = 15 * time.Second

// serve runs handler until ctx is cancelled. Dev mode listens on plain HTTP;
// otherwise certificates come from ACME and port 80 redirects to HTTPS.
func serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	var servers []*http.Server
	g, gctx := errgroup.WithContext(ctx)

	if cfg.DevMode {
		srv := &http.Server{
			Addr:              cfg.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		servers = append(servers, srv)
		logger.Info("server listening", "mode", "dev", "addr", srv.Addr, "public_url", cfg.PublicURL)
		g.Go(func() error { return listen(srv.ListenAndServe) })
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domains...),
			Email:      cfg.TLS.Email,
		}
		minVersion := uint16(tls.VersionTLS12)
		if cfg.TLS.MinVersion == "1.3" {
			minVersion = tls.VersionTLS13
		}

		redirect := &http.Server{
			Addr:              cfg.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		httpsSrv := &http.Server{
			Addr:              cfg.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         &tls.Config{GetCertificate: m.GetCertificate, MinVersion: minVersion},
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		servers = append(servers, redirect, httpsSrv)
		logger.Info("server listening", "mode", "prod", "addr", httpsSrv.Addr, "domains", cfg.TLS.Domains)
		g.Go(func() error { return listen(redirect.ListenAndServe) })
		g.Go(func() error { return listen(func() error { return httpsSrv.ListenAndServeTLS("", "") }) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func listen(fn func() error) error {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}
