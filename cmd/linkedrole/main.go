// Command linkedrole serves the Discord linked-role verification flow.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/linkedrole/config"
	"github.com/mnehpets/linkedrole/discord"
	"github.com/mnehpets/linkedrole/endpoint"
	"github.com/mnehpets/linkedrole/linkedrole"
	"github.com/mnehpets/linkedrole/logging"
	"github.com/mnehpets/linkedrole/metrics"
	"github.com/mnehpets/linkedrole/middleware"
	"github.com/mnehpets/linkedrole/resolver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFiles []string
		addr     string
	)
	cmd := &cobra.Command{
		Use:           "linkedrole",
		Short:         "Serve the Discord linked-role verification flow",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "load variables from this file (repeatable; default .env if present)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, Service: "linkedrole"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.New()
	httpClient := newHTTPClient(cfg.HTTPTimeout)
	defer httpClient.CloseIdleConnections()

	handler, err := newHandler(cfg, logger, m, httpClient)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Stringer("config", cfg))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHandler wires the service routes.
func newHandler(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, httpClient *http.Client) (http.Handler, error) {
	dc := discord.NewClient(discord.Config{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		PlatformName: cfg.PlatformName,
	}, httpClient, discord.WithMetrics(m))

	rc, err := resolver.NewClient(cfg.ResolverURL, cfg.ResolverSecret, cfg.ResolverTimeout, httpClient,
		resolver.WithMetrics(m),
		resolver.WithLogger(logger.Named("resolver")),
	)
	if err != nil {
		return nil, err
	}

	orch := linkedrole.NewOrchestrator(dc, rc,
		linkedrole.WithLogger(logger.Named("callback")),
		linkedrole.WithMetrics(m),
	)

	var headerOpts []middleware.SecurityHeadersOption
	if !cfg.CookieSecure {
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	lr, err := linkedrole.NewHandler(orch, linkedrole.HandlerConfig{
		InviteURL:    cfg.InviteURL,
		CookieKey:    cfg.CookieKey,
		CookieSecure: cfg.CookieSecure,
	},
		linkedrole.WithProcessors(
			middleware.NewRequestLogger(logger.Named("http")),
			middleware.NewSecurityHeadersProcessor(headerOpts...),
		),
		linkedrole.WithHandlerLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/", lr)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /healthz", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}))
	return mux, nil
}

// newHTTPClient returns the client shared by every upstream call.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
