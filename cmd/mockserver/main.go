// mockserver - a stand-in Ollama server answering from the in-memory mock
// backend, for exercising clients without a GPU.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/config"
	"github.com/jeranaias/rigrun-ollama/internal/mock"
)

func main() {
	var (
		configPath string
		addr       string
		latency    time.Duration
		seed       []string
	)

	cmd := &cobra.Command{
		Use:           "mockserver",
		Short:         "Serve the Ollama API from an in-memory mock backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := cfg.Logger()

			opts := append(cfg.MockOptions(), mock.WithLogger(logger), mock.WithLatency(latency))
			backend := mock.NewBackend(opts...)
			for _, name := range seed {
				backend.Registry().Put(mock.NewModelInfo(name))
			}

			return serve(cmd.Context(), cfg.Server.Addr, backend, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.rigrun-ollama/config.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr and MOCK_OLLAMA_ADDR)")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay added before every response")
	cmd.Flags().StringSliceVar(&seed, "model", nil, "models to register at startup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mockserver:", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr string, backend *mock.Backend, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           mock.NewServer(backend, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      addr,
			"version":   mock.Version,
			"endpoints": len(api.Endpoints),
		}).Info("Mock Ollama server starting")
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

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	backend.Close()
	return err
}
