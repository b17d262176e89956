package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	api "github.com/oshokin/flatpkg/internal/api/grpc/builder"
	"github.com/oshokin/flatpkg/internal/config"
	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/metrics"
	"github.com/oshokin/flatpkg/internal/repository/artifact"
	"github.com/oshokin/flatpkg/internal/service/builder"
)

// Options controls the flatpkg-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress overrides server.listen_address.
	ListenAddress string
	// MetricsAddress overrides server.metrics_address.
	MetricsAddress string
	// ArchiveDir keeps a copy of every built package when set.
	ArchiveDir string
	// LogLevel overrides log_level.
	LogLevel string
}

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "flatpkg"

// readHeaderTimeout bounds slow metrics clients.
const readHeaderTimeout = 10 * time.Second

// Run starts the gRPC server and blocks until context is canceled or server stops.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "flatpkg-server")

	// Load configuration first to get server settings.
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.ListenAddress != "" {
		settings.Server.ListenAddress = opts.ListenAddress
	}

	if opts.MetricsAddress != "" {
		settings.Server.MetricsAddress = opts.MetricsAddress
	}

	if opts.LogLevel != "" {
		settings.LogLevel = opts.LogLevel
	}

	if err = config.Validate(settings); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	if lvl, ok := logger.ParseLogLevel(settings.LogLevel); ok {
		logger.SetLevel(lvl)
	}

	prom := metrics.NewProm(metricsNamespace)

	b, err := builder.New(
		builder.Template{Dir: settings.TemplateDir, PackageName: settings.PackageName},
		builder.WithSigningBackend(settings.Signing.Backend),
		builder.WithMetrics(prom),
		builder.WithExtraSteps(builder.PlistSteps(settings.Plists)...),
	)
	if err != nil {
		return fmt.Errorf("initialize builder: %w", err)
	}

	var repo artifact.Repository
	if opts.ArchiveDir != "" {
		repo = artifact.NewFileRepository(opts.ArchiveDir)
	}

	defaults := build.Request{
		Identifier: settings.Identifier,
		Version:    settings.Version,
		OrgUnit:    settings.OrgUnit,
	}

	svc := newService(b, settings.Server.MaxConcurrentBuilds, settings.Server.BuildTimeout, defaults, repo)

	// Setup TCP listeners.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", settings.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", settings.Server.ListenAddress, err)
	}

	var metricsLis net.Listener

	if settings.Server.MetricsAddress != "" {
		metricsLis, err = lc.Listen(ctx, "tcp", settings.Server.MetricsAddress)
		if err != nil {
			_ = lis.Close()

			return fmt.Errorf("listen on %s: %w", settings.Server.MetricsAddress, err)
		}
	}

	logger.InfoKV(ctx, "Build server listening",
		"listen_address", lis.Addr().String(),
		"metrics_address", settings.Server.MetricsAddress,
		"max_concurrent_builds", settings.Server.MaxConcurrentBuilds,
		"build_timeout", settings.Server.BuildTimeout)

	return serve(ctx, lis, metricsLis, api.NewServer(svc, settings.Request().Credential), prom.Handler())
}

// serve runs the gRPC server on lis and, when metricsLis is set, the metrics endpoint.
// It returns after both have stopped.
func serve(
	ctx context.Context,
	lis net.Listener,
	metricsLis net.Listener,
	srv api.BuildServer,
	metricsHandler http.Handler,
) error {
	grpcServer := grpc.NewServer()
	api.Register(grpcServer, srv)

	var httpServer *http.Server

	if metricsLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)

		httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}

		return nil
	})

	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}

			return nil
		})
	}

	// Stop both servers when the parent context ends or either server fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		grpcServer.GracefulStop()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.WarnKV(ctx, "Metrics server shutdown failed", "error", err)
			}
		}

		return nil
	})

	err := g.Wait()

	logger.Info(ctx, "GRPC server stopped")

	return err
}
