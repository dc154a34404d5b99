package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"r2admin/internal/admin"
	"r2admin/internal/config"
	"r2admin/internal/creds"
	"r2admin/internal/logging"
	"r2admin/internal/obs/metrics"
	"r2admin/internal/obs/tracing"
	"r2admin/internal/r2"
	"r2admin/internal/runtime"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to service config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Server.LogFormat, cfg.Server.LogLevel, os.Stdout)

	permWarning, err := runtime.CheckCredentialFilePermissions(cfg.Credentials.File)
	if err != nil {
		logger.Error("startup failed: credential file check", "error", err)
		os.Exit(1)
	}
	if permWarning != "" {
		logger.Warn("credential file permissions warning", "warning", permWarning)
	}

	store, err := creds.LoadFile(cfg.Credentials.File)
	if err != nil {
		logger.Error("startup failed: credential load", "error", err)
		os.Exit(1)
	}

	sealer, err := sealerFromEnv()
	if err != nil {
		logger.Error("startup failed: token configuration", "error", err)
		os.Exit(1)
	}

	collectors := metrics.New()

	shutdownTracing, err := tracing.Init(context.Background(), tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("startup failed: tracing init", "error", err)
		os.Exit(1)
	}

	client := r2.New(r2.Options{
		Endpoint: cfg.Storage.Endpoint,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.Storage.RequestTimeoutSeconds) * time.Second,
		},
		Metrics: collectors,
	})

	svc := &admin.Service{
		Store:       store,
		Client:      client,
		Sealer:      sealer,
		Logger:      logger,
		MaxShareAge: time.Duration(cfg.Storage.MaxShareAgeSeconds) * time.Second,
	}

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, collectors.Handler())
	}
	if cfg.Health.Enabled {
		mux.HandleFunc("GET "+cfg.Health.PathLive, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("GET "+cfg.Health.PathReady, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	mux.Handle("/api/", collectors.Middleware(svc.Handler()))

	srv := runtime.New(cfg, withServerHeader(mux), logger)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			logger.Error("graceful shutdown failed", "error", shutdownErr)
		}
		if traceErr := shutdownTracing(ctx); traceErr != nil {
			logger.Error("tracing shutdown failed", "error", traceErr)
		}
	}()

	logger.Info("server starting", "addr", cfg.Server.ListenAddress, "metrics_enabled", cfg.Metrics.Enabled, "tracing_enabled", cfg.Tracing.Enabled)
	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func withServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "r2admin")
		next.ServeHTTP(w, r)
	})
}

// staticSealer maps fixed bearer tokens to principal names. Token key
// management lives outside this service; R2ADMIN_TOKENS carries
// "token=principal" pairs separated by commas for deployments without an
// external issuer.
type staticSealer struct {
	byToken map[string]string
}

func sealerFromEnv() (admin.TokenSealer, error) {
	raw := os.Getenv("R2ADMIN_TOKENS")
	if raw == "" {
		return nil, errors.New("R2ADMIN_TOKENS is not set")
	}
	byToken := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		token, principal, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || principal == "" {
			return nil, errors.New("R2ADMIN_TOKENS entries must look like token=principal")
		}
		byToken[token] = principal
	}
	return &staticSealer{byToken: byToken}, nil
}

func (s *staticSealer) Seal(principal string, _ time.Time) (string, error) {
	for token, name := range s.byToken {
		if name == principal {
			return token, nil
		}
	}
	return "", errors.New("no token configured for principal")
}

func (s *staticSealer) Unseal(token string) (string, error) {
	principal, ok := s.byToken[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return principal, nil
}
