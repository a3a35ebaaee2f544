// Command authstub serves the application auth endpoints backed by an
// in-memory token issuer, for local development against authctl and the SDK.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chimerakang/authkit-go/fake"
	"github.com/chimerakang/authkit-go/internal/config"
	"github.com/chimerakang/authkit-go/internal/stubserver"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := config.SetupLogger(cfg.Env, os.Stdout)
	slog.SetDefault(log)
	log.Info("starting authstub", slog.String("env", cfg.Env), slog.String("addr", cfg.Stub.Addr()))

	if cfg.Env == config.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	srv := &http.Server{
		Addr:              cfg.Stub.Addr(),
		Handler:           stubserver.New(newBackend(cfg.Stub), stubserver.WithLogger(log), stubserver.WithGatherer(prometheus.DefaultGatherer)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}
	log.Info("authstub_stopped")
}

func newBackend(cfg config.StubConfig) *fake.Backend {
	opts := []fake.Option{
		fake.WithSecret([]byte(cfg.Secret)),
		fake.WithTTL(cfg.AccessTTL, cfg.RefreshTTL),
		fake.WithRotation(!cfg.NoRotation),
	}
	for _, u := range cfg.Users {
		opts = append(opts, fake.WithUser(u.Username, u.Email, u.Password, u.DisplayName, u.Moderator))
	}
	return fake.New(opts...)
}
