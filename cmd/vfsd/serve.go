package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/S1riyS/os-course-lab-4/kernfs/internal/config"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/handler"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/middleware"
	"github.com/S1riyS/os-course-lab-4/kernfs/internal/service"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging/slogext"
)

// serveCmd implements subcommands.Command for the "serve" command.
type serveCmd struct {
	configPath string
	pretty     bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "mount the configured devices and serve the namespace over HTTP" }
func (*serveCmd) Usage() string {
	return `serve [-config path] [-pretty]
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", defaultConfigPath, "path to the YAML configuration")
	f.BoolVar(&c.pretty, "pretty", false, "colored human readable logs")
}

func (c *serveCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := config.MustLoad(c.configPath)

	logger := newLogger(cfg.App, c.pretty)
	ctx = logging.MakeContextWithLogger(ctx, logger)

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped with error", slogext.Err(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	const op = "main.serve"

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := newSystem(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer sys.Close()

	mux := http.NewServeMux()
	handler.NewHandler(service.NewFileSystemService(sys.vfs, sys.devices)).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           middleware.LoggerMiddleware(logger)(middleware.RequestIDMiddleware(mux)),
		ReadHeaderTimeout: cfg.App.DefaultTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Unused cached vnodes are dropped periodically.
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := sys.vfs.Prune(); n > 0 {
					logger.Debug("Pruned vnode cache", slog.Int("dropped", n))
				}
			}
		}
	})

	return g.Wait()
}
