package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/keyrelay/internal/browser"
	"github.com/amoylab/keyrelay/internal/server"
	"github.com/amoylab/keyrelay/pkg/helper"
	"github.com/amoylab/keyrelay/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API serving channel messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), "")
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch <url>",
		Short: "Open url in a browser with the page shim installed, and serve the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}
)

func run(ctx context.Context, url string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(ctx); err != nil {
		return err
	}
	lg := a.logger
	lg.Info("starting keyrelay", zap.String("version", version.Get()))

	pidFile := helper.GetPIDPath(a.cfg.PID)
	if err := helper.WritePID(pidFile); err != nil {
		lg.Warn("failed to write PID file", zap.String("path", pidFile), zap.Error(err))
	} else {
		defer os.Remove(pidFile)
	}

	srv, err := server.NewServer(lg, a.cfg, a.channel, a.registry, a.store, a.metrics)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	srv.RegisterRoutes(router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(router)
	}()

	var browserDone <-chan struct{}
	if url != "" {
		h := browser.New(lg, a.cfg.Browser, a.cfg.Channel, a.dispatcher, a.headers, a.metrics)
		if err := h.Start(ctx); err != nil {
			return err
		}
		defer h.Close()
		if err := h.Navigate(ctx, url); err != nil {
			return err
		}
		browserDone = h.Done()
	}

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case <-browserDone:
		lg.Info("browser closed, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	return nil
}
