package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/S1riyS/os-course-lab-4/kcore/internal/config"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/device"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/ext2"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/handler"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/middleware"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/pkg/kerrors"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/repository"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/service"
	"github.com/S1riyS/os-course-lab-4/kcore/internal/vfs"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/database/postgresql"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging"
	"github.com/S1riyS/os-course-lab-4/kcore/pkg/logging/slogext"
)

const configPath = "configs/config.yaml"

func main() {
	cfg := config.MustLoad(configPath)

	logger := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	// Root context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.MakeContextWithLogger(ctx, logger)

	// Devices
	devices := mustOpenDevices(ctx, cfg)
	defer closeDevices(ctx, devices)

	// Kernel
	kernel := service.NewKernelService(vfs.NewTree())
	for _, dev := range devices {
		if _, err := kernel.AttachDevice(ctx, dev.Name(), dev); err != nil {
			logger.Error("Failed to attach device", slogext.Err(err), slog.String("device", dev.Name()))
		}
	}
	mountAll(ctx, kernel, cfg.Mounts)

	// Transport
	mux := http.NewServeMux()
	handler.NewHandler(kernel).RegisterRoutes(mux)

	var h http.Handler = mux
	h = middleware.LoggerMiddleware(logger)(h)
	h = middleware.RequestIDMiddleware(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      h,
		ReadTimeout:  cfg.App.DefaultTimeout,
		WriteTimeout: cfg.App.DefaultTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.DefaultTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", slogext.Err(err))
		}
	}()

	logger.Info("Starting server", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server stopped", slogext.Err(err))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// mustOpenDevices opens every configured device, formatting those marked for
// it. Any failure is fatal.
func mustOpenDevices(ctx context.Context, cfg *config.Config) []device.Device {
	const op = "main.mustOpenDevices"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	var (
		db      postgresql.Client
		devRepo repository.DeviceRepository
		secRepo repository.SectorRepository
	)

	out := make([]device.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		var (
			dev device.Device
			err error
		)

		switch dc.Kind {
		case config.DeviceKindMemory:
			dev = device.NewMemory(dc.Name, dc.Size, dc.SectorSize)

		case config.DeviceKindFile:
			dev, err = device.OpenFile(dc.Name, dc.Path, dc.Size, dc.SectorSize)

		case config.DeviceKindPostgres:
			if db == nil {
				db = postgresql.MustNewClient(ctx, cfg.Database)
				devRepo = repository.NewDeviceRepository(db, cfg.Database.Schema)
				secRepo = repository.NewSectorRepository(db, cfg.Database.Schema)
				if err := devRepo.Migrate(ctx); err != nil {
					logger.Error("Failed to migrate device tables", slogext.Err(err))
					panic(err)
				}
			}
			dev, err = device.NewPostgres(ctx, dc.Name, dc.Size, dc.SectorSize, db, devRepo, secRepo)

		default:
			err = fmt.Errorf("device %s: kind %q: %w", dc.Name, dc.Kind, kerrors.ErrInvalidArgument)
		}
		if err != nil {
			logger.Error("Failed to open device", slogext.Err(err), slog.String("device", dc.Name))
			panic(err)
		}

		if dc.Format {
			if _, err := ext2.Format(ctx, dev, ext2.Params{}); err != nil {
				logger.Error("Failed to format device", slogext.Err(err), slog.String("device", dc.Name))
				panic(err)
			}
		}

		out = append(out, dev)
	}
	return out
}

// mountAll performs the configured mounts in order. A missing target
// directory is created on the filesystem above it first.
func mountAll(ctx context.Context, kernel service.KernelService, mounts []config.MountConfig) {
	const op = "main.mountAll"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	for _, m := range mounts {
		if _, err := kernel.Stat(ctx, m.Target); errors.Is(err, kerrors.ErrNotFound) {
			if _, err := kernel.Mkdir(ctx, m.Target); err != nil {
				logger.Error("Failed to create mount point", slogext.Err(err), slog.String("target", m.Target))
				continue
			}
		}

		if err := kernel.Mount(ctx, m.Source, m.Target); err != nil {
			logger.Error("Failed to mount", slogext.Err(err),
				slog.String("source", m.Source),
				slog.String("target", m.Target),
			)
		}
	}
}

func closeDevices(ctx context.Context, devices []device.Device) {
	logger := logging.GetLoggerFromContext(ctx)

	for _, dev := range devices {
		c, ok := dev.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Error("Failed to close device", slogext.Err(err), slog.String("device", dev.Name()))
		}
	}
}
