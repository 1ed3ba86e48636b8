package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcp-suite/gitlab-mcp-proxy/internal/config"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/logging"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/server"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logging.Setup()
	if err := logging.LoadLevel(); err != nil {
		logrus.WithError(err).Warn("failed to load log level")
	}

	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storage store.Storage
	switch conf.Storage.Type {
	case config.StorageTypeFile:
		storage = store.NewFileStorage(conf.Storage.Path)
	default:
		storage = store.NewMemoryStorage()
	}
	if err := storage.Initialize(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to initialize session storage")
	}

	srv := server.New(conf, storage)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server shutdown failed")
	}

	// The store flushes its final state on close; this must run after the
	// server stops accepting requests.
	if err := storage.Close(); err != nil {
		logrus.WithError(err).Error("failed to close session storage")
	}
}
