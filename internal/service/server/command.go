package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/bridge/mqtt"
	"github.com/oshokin/torchd/internal/config"
	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/driver"
	"github.com/oshokin/torchd/internal/driver/simulated"
	"github.com/oshokin/torchd/internal/driver/sysfs"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/logger"
	"github.com/oshokin/torchd/internal/repository/prefs"
	"github.com/oshokin/torchd/internal/session"
	"github.com/oshokin/torchd/internal/telemetry"
)

// Options controls the torchd process.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress overrides the configured server address.
	ListenAddress string
	// PreferencesFile overrides the configured preferences file.
	PreferencesFile string
	// Simulate forces the in-memory backend.
	Simulate bool
	// Listener replaces the TCP listener when set. The address options are ignored then.
	Listener net.Listener
	// Ready, when set, is called once the service accepts requests.
	Ready func()
}

// ErrNoServerAddress indicates missing server configuration.
var ErrNoServerAddress = errors.New("no server address configured")

// backend is a driver with its own callback goroutine.
type backend interface {
	driver.Driver
	Run(ctx context.Context) error
	Flush(ctx context.Context) int
}

// Run starts torchd and blocks until ctx is canceled or a component fails.
// On shutdown the torch is turned off before the process exits.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "torchd")

	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	drv := newBackend(settings.Driver)

	store, err := prefs.NewStore(ctx, prefs.NewFileRepository(settings.PreferencesFile))
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	loop := dispatch.New()
	svc := newService(loop, session.New(drv, loop), store)

	var listeners []session.Listener

	var events *journal.Journal
	if settings.Journal.Enabled {
		events, err = journal.Open(ctx, settings.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}

		defer closeJournal(ctx, events)

		svc.history = events
		svc.observers = append(svc.observers, events)
		listeners = append(listeners, events)
	}

	if settings.InfluxDB.Enabled {
		exporter, connectErr := telemetry.Connect(ctx, settings.InfluxDB)
		if connectErr != nil {
			// Telemetry is optional; the torch keeps working without it.
			logger.WarnKV(ctx, "Telemetry disabled", "error", connectErr)
		} else {
			defer exporter.Close()

			listeners = append(listeners, exporter)
		}
	}

	var bridge *mqtt.Bridge
	if settings.MQTT.Enabled {
		bridge, err = mqtt.Connect(logger.WithName(ctx, "mqtt"), settings.MQTT)
		if err != nil {
			return fmt.Errorf("connect mqtt bridge: %w", err)
		}

		defer bridge.Close(ctx)
	}

	lis, err := listen(ctx, settings, opts)
	if err != nil {
		return err
	}

	// Serve closes the listener; this covers exits before it starts.
	defer func() { _ = lis.Close() }()

	grpcServer := grpc.NewServer()
	api.RegisterTorchServiceServer(grpcServer, api.NewServer(svc))

	// The loop, the driver and the journal writer outlive the request side
	// so that shutdown can still turn the torch off.
	coreCtx, stopCore := context.WithCancel(context.WithoutCancel(ctx))

	core := new(errgroup.Group)
	core.Go(func() error { return drv.Run(coreCtx) })
	core.Go(func() error { return loop.Run(logger.WithName(coreCtx, "session")) })

	if events != nil {
		core.Go(func() error { return events.Run(logger.WithLevelOverride(coreCtx, zapcore.WarnLevel)) })
	}

	// Runs before the journal is closed, so its writer has finished by then.
	defer stopComponents(ctx, loop, drv, core, stopCore)

	err = loop.Call(ctx, func(ctx context.Context) {
		for _, l := range listeners {
			svc.session.RegisterListener(ctx, l)
		}
	})
	if err != nil {
		return fmt.Errorf("register listeners: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if bridge != nil {
		attachment, attachErr := svc.Attach(ctx, "mqtt", bridge)
		if attachErr != nil {
			return fmt.Errorf("attach mqtt bridge: %w", attachErr)
		}

		g.Go(func() error {
			defer attachment.Detach(context.WithoutCancel(gctx))

			return bridge.Run(logger.WithName(gctx, "mqtt"), attachment)
		})
	}

	g.Go(func() error {
		return store.Watch(gctx, settings.PreferencesFile, svc.onPreferencesChanged)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Timeout)
		defer cancel()

		if shutdownErr := svc.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WarnKV(ctx, "Failed to turn the torch off", "error", shutdownErr)
		}

		grpcServer.GracefulStop()

		return nil
	})

	g.Go(func() error {
		logger.InfoKV(ctx, "Torch server listening",
			"listen_address", lis.Addr().String(),
			"backend", settings.Driver.Backend,
			"preferences_file", settings.PreferencesFile)

		if opts.Ready != nil {
			opts.Ready()
		}

		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", serveErr)
		}

		return nil
	})

	return g.Wait()
}

// stopComponents stops the session loop and the backend and waits for the
// core goroutines.
func stopComponents(ctx context.Context, loop *dispatch.Loop, drv backend, core *errgroup.Group, stopCore context.CancelFunc) {
	loop.Stop()
	stopCore()

	if coreErr := core.Wait(); coreErr != nil {
		logger.WarnKV(ctx, "Core component failed", "error", coreErr)
	}

	// Land the device writes queued by the final close.
	flushed := drv.Flush(ctx)
	logger.InfoKV(ctx, "Torch server stopped", "flushed", flushed)
}

func loadSettings(opts *Options) (*config.Config, error) {
	settings, err := config.LoadOrDefault(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	level := settings.LogLevel
	if level == "" {
		level = "info"
	}

	if err = logger.Configure(level, settings.LogFormat); err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}

	if opts.PreferencesFile != "" {
		settings.PreferencesFile = opts.PreferencesFile
	}

	if opts.Simulate {
		settings.Driver.Backend = config.BackendSimulated
		if len(settings.Driver.Simulated.Devices) == 0 {
			settings.Driver.Simulated.Devices = config.SimulatedDefaults()
		}
	}

	return settings, nil
}

//nolint:ireturn // The backend is chosen at runtime.
func newBackend(cfg config.DriverConfig) backend {
	if cfg.Backend == config.BackendSimulated {
		specs := make([]simulated.DeviceSpec, 0, len(cfg.Simulated.Devices))
		for _, d := range cfg.Simulated.Devices {
			specs = append(specs, simulated.DeviceSpec{ID: d.ID, MaxIntensity: d.MaxIntensity})
		}

		return simulated.New(specs...)
	}

	return sysfs.New(sysfs.Options{
		Root:    cfg.Sysfs.Root,
		Pattern: cfg.Sysfs.Pattern,
		LockDir: cfg.Sysfs.LockDir,
		MaxOpen: cfg.Sysfs.MaxOpen,
	})
}

func listen(ctx context.Context, settings *config.Config, opts *Options) (net.Listener, error) {
	if opts.Listener != nil {
		return opts.Listener, nil
	}

	listenAddress, err := resolveListenAddress(settings.ServerAddress, opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	return lis, nil
}

// resolveListenAddress prefers the override, then the configured address.
func resolveListenAddress(configAddr, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	if configAddr == "" {
		return "", ErrNoServerAddress
	}

	if _, _, err := net.SplitHostPort(configAddr); err != nil {
		return "", fmt.Errorf("invalid server address format %q: %w", configAddr, err)
	}

	return configAddr, nil
}

func closeJournal(ctx context.Context, j *journal.Journal) {
	if err := j.Close(ctx); err != nil {
		logger.WarnKV(ctx, "Failed to close journal", "error", err)
	}
}
