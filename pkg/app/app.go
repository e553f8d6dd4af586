package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/bus"
	"github.com/nextranet/intercom/c-plane/internal/callsync"
	"github.com/nextranet/intercom/c-plane/internal/connection"
	appContext "github.com/nextranet/intercom/c-plane/internal/context"
	"github.com/nextranet/intercom/c-plane/internal/handlers"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/rpc"
	"github.com/nextranet/intercom/c-plane/internal/sbi"
	"github.com/nextranet/intercom/c-plane/internal/sbi/producer"
	"github.com/nextranet/intercom/c-plane/internal/store"
	"github.com/nextranet/intercom/c-plane/internal/tracer"
	"github.com/nextranet/intercom/c-plane/internal/wamp"
	"github.com/nextranet/intercom/c-plane/pkg/factory"
	"github.com/nextranet/intercom/c-plane/pkg/service"
)

// App represents the main application
type App struct {
	cfg       *config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	nbiServer *http.Server

	registry *appContext.Context
	bus      *bus.Bus
	store    *store.Store
	manager  *connection.Manager
	tracers  *tracer.Set
	core     *callsync.Core
	backend  *producer.Backend
}

// Option adjusts how New assembles the application
type Option func(*options)

type options struct {
	noStore bool
}

// WithoutStore keeps the device registry in memory even when a database is
// configured
func WithoutStore() Option {
	return func(o *options) { o.noStore = true }
}

// New loads the configuration and wires every component. Nothing talks to
// the backend until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Load configuration
	cfg, err := factory.InitConfigFactory(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	if err := logger.InitLogger(&logger.Config{
		Level:           cfg.Logger.Level,
		ReportCaller:    cfg.Logger.ReportCaller,
		File:            cfg.Logger.File,
		RotationCount:   cfg.Logger.RotationCount,
		RotationMaxAge:  cfg.Logger.RotationMaxAge,
		RotationMaxSize: cfg.Logger.RotationMaxSize,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		registry: appContext.New(cfg.Intercom.OperatorDirNo),
		bus:      bus.New(),
	}

	if !o.noStore && cfg.Database != nil && cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open device store: %w", err)
		}
		a.store = st
	}

	a.wire()
	return a, nil
}

// wire builds the connection, tracer, sync and dispatcher layers over the
// shared registry and bus
func (a *App) wire() {
	ic := a.cfg.Intercom

	api := service.NewConnectAPI(service.BaseURL(ic), ic, a.cfg.REST)
	dialer := &connection.WampDialer{Config: wamp.DialConfig{
		URL:                WampURL(ic),
		Realm:              ic.Realm,
		AuthID:             ic.Username,
		InsecureSkipVerify: ic.SkipVerify(),
	}}
	a.manager = connection.NewManager(connection.OptionsFromConfig(ic), api, dialer, a.bus, a.registry)

	requests := rpc.New(a.manager)
	a.tracers = tracer.NewSet(a.manager, a.bus)

	opts := []callsync.Option{callsync.WithRefreshInterval(ic.DeviceRefreshInterval)}
	if a.store != nil {
		opts = append(opts, callsync.WithStore(a.store))
	}
	a.core = callsync.New(a.registry, a.bus, requests, opts...)
	a.core.Attach(a.tracers)

	// A new session has no subscriptions; the device list and call state
	// are resynchronized from scratch.
	a.manager.OnConnected(func(ctx context.Context) {
		if err := a.tracers.EnsureSubscribed(ctx); err != nil {
			logger.InitLog.Warnf("Subscribing to backend events: %v", err)
		}
		if err := a.core.RefreshDevices(ctx); err != nil {
			logger.InitLog.Warnf("Initial device refresh: %v", err)
		}
	})
	a.manager.OnDisconnected(func(context.Context) {
		a.tracers.Reset()
	})

	a.backend = &producer.Backend{
		Registry:     a.registry,
		Bus:          a.bus,
		Connection:   a.manager,
		Calls:        handlers.NewCallHandler(requests, a.registry, a.bus),
		Broadcasting: handlers.NewBroadcastingHandler(requests, a.registry, a.bus),
		Devices:      handlers.NewDeviceHandler(requests, a.registry, a.bus),
		Doors:        handlers.NewAccessControlHandler(requests, a.registry, a.bus),
		Gpio:         handlers.NewGpioHandler(requests, a.registry, a.bus, ic.GpioPollInterval),
		Forwarding:   handlers.NewForwardingHandler(api, a.registry, a.bus),
		Tracing:      a.tracers,
		TracerStatus: a.tracers.Status,
		Dropped:      a.core.Dropped,
	}
}

// WampURL returns the WebSocket endpoint of the backend router
func WampURL(ic *config.Intercom) string {
	host := ic.ServerAddress
	if ic.WampPort > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(ic.WampPort))
	}
	return "wss://" + host
}

// Start seeds the registry, connects to the backend and serves the NBI
func (a *App) Start() error {
	logger.InitLog.Info("Starting intercom gateway services...")

	if a.store != nil {
		devices, err := a.store.ListDevices(a.ctx)
		if err != nil {
			logger.InitLog.Warnf("Loading stored devices: %v", err)
		} else if len(devices) > 0 {
			a.registry.SetDevices(devices)
			logger.InitLog.Infof("Loaded %d stored devices", len(devices))
		}
	}

	a.core.Start(a.ctx)
	a.manager.Start()

	// Start NBI server
	if a.cfg.NBI != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.startNBI(); err != nil && err != http.ErrServerClosed {
				logger.InitLog.Errorf("NBI server error: %v", err)
			}
		}()
	}

	logger.InitLog.Info("All services started successfully")
	return nil
}

// startNBI starts the NBI (North Bound Interface) server
func (a *App) startNBI() error {
	logger.InitLog.Info("Starting NBI server...")

	if a.cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(sbi.RequestIDMiddleware())
	router.Use(sbi.LoggerMiddleware())
	router.Use(sbi.CORSMiddleware())
	router.Use(sbi.ErrorHandlerMiddleware())

	sbi.InitRouter(router, a.backend)

	// Determine binding address
	bindAddr := fmt.Sprintf("%s:%d", a.cfg.NBI.BindingIPv4, a.cfg.NBI.Port)
	if a.cfg.NBI.BindingIPv6 != "" {
		bindAddr = fmt.Sprintf("[%s]:%d", a.cfg.NBI.BindingIPv6, a.cfg.NBI.Port)
	}

	// WriteTimeout stays unset: /ws connections are long-lived
	a.nbiServer = &http.Server{
		Addr:        bindAddr,
		Handler:     router,
		ReadTimeout: a.cfg.NBI.ReadTimeout,
	}

	logger.InitLog.Infof("NBI server listening on %s", bindAddr)

	if a.cfg.NBI.Scheme == "https" && a.cfg.NBI.TLS != nil {
		return a.nbiServer.ListenAndServeTLS(a.cfg.NBI.TLS.Cert, a.cfg.NBI.TLS.Key)
	}
	return a.nbiServer.ListenAndServe()
}

// Stop gracefully stops the application
func (a *App) Stop() {
	logger.InitLog.Info("Stopping application...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown NBI server
	if a.nbiServer != nil {
		logger.InitLog.Info("Shutting down NBI server...")
		if err := a.nbiServer.Shutdown(shutdownCtx); err != nil {
			logger.InitLog.Errorf("NBI server shutdown error: %v", err)
		}
	}

	a.backend.Broadcasting.StopAudioMessage()
	a.tracers.DisposeAll(shutdownCtx)
	a.manager.Stop()
	a.core.Stop()

	// Cancel context to stop background tasks
	a.cancel()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.InitLog.Warnf("Closing device store: %v", err)
		}
	}

	// Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InitLog.Info("All services stopped gracefully")
	case <-time.After(35 * time.Second):
		logger.InitLog.Warn("Timeout waiting for services to stop")
	}
}

// GetConfig returns the application configuration
func (a *App) GetConfig() *config.Config {
	return a.cfg
}

// GetContext returns the device and call registry
func (a *App) GetContext() *appContext.Context {
	return a.registry
}

// GetBus returns the notification bus
func (a *App) GetBus() *bus.Bus {
	return a.bus
}
