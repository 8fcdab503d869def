// Package app assembles the viewer daemon: world, event queue, main loop,
// the mode's advancement producers, the session hub and both transports.
// Serve owns the lifecycle; shutdown stops the listeners before the
// producers and lets the loop drain the queue before the log router closes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	nethttp "net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"agent-world/viewer"
	"agent-world/viewer/internal/config"
	"agent-world/viewer/internal/consensus"
	"agent-world/viewer/internal/control"
	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/net/lineserver"
	"agent-world/viewer/internal/net/wsbridge"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/internal/world"
	"agent-world/viewer/logging"
	loggingSinks "agent-world/viewer/logging/sinks"
)

const shutdownTimeout = 10 * time.Second

// Config carries the daemon's settings and an optional logger override.
type Config struct {
	Settings config.Config
	Logger   telemetry.Logger
}

// App is a fully wired viewer daemon. New binds both listeners, so the
// addresses are known before Serve starts accepting; Serve runs the
// daemon once and spends the App.
type App struct {
	settings config.Config
	logger   telemetry.Logger
	router   *logging.Router
	logFile  *os.File
	counters *telemetry.Counters

	world *world.World
	queue *loop.Queue
	hub   *viewer.Hub
	loop  *loop.Loop

	driver  *loop.Driver
	source  *consensus.LocalSource
	adapter *consensus.Adapter

	line    *lineserver.Server
	httpSrv *nethttp.Server
	lineLn  net.Listener
	httpLn  net.Listener
}

// New wires the daemon and binds the line and HTTP listeners.
func New(cfg Config) (*App, error) {
	settings := cfg.Settings
	if settings == (config.Config{}) {
		settings = config.Default()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logConfig := logging.DefaultConfig()
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsole(os.Stdout),
	}
	var logFile *os.File
	if path := os.Getenv("VIEWER_LOG_JSON_PATH"); path != "" {
		file, ferr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			fallbackLogger.Printf("ignoring VIEWER_LOG_JSON_PATH %q: %v", path, ferr)
		} else {
			logFile = file
			logConfig.JSON.FilePath = path
			logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
			sinks["json"] = loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)
		}
	}
	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}

	a, err := build(settings, logger, router)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func build(settings config.Config, logger telemetry.Logger, router *logging.Router) (*App, error) {
	counters := telemetry.NewCounters()
	mode := settings.LoopMode()

	w := world.New(world.Config{
		AgentCount:      settings.AgentCount,
		Seed:            settings.Seed,
		JournalCapacity: settings.JournalCapacity,
	})
	queue := loop.NewQueue(loop.QueueConfig{
		Capacity:        settings.QueueCapacity,
		MaxProducerWait: settings.EnqueueWait(),
		Metrics:         counters,
		Publisher:       router,
	})
	hub := viewer.NewHub(viewer.HubConfig{
		Mode:      mode,
		Logger:    logger,
		Metrics:   counters,
		Publisher: router,
	})

	a := &App{
		settings: settings,
		logger:   logger,
		router:   router,
		counters: counters,
		world:    w,
		queue:    queue,
		hub:      hub,
	}

	var taker loop.BatchTaker
	if mode == loop.ModeConsensus {
		a.source = consensus.NewLocalSource(consensus.LocalSourceConfig{
			Interval:   settings.TickInterval(),
			AgentCount: settings.AgentCount,
			Seed:       settings.Seed,
			Logger:     logger,
		})
		a.adapter = consensus.NewAdapter(consensus.AdapterConfig{
			Source:      a.source,
			WaitTimeout: settings.CommitWait(),
			Notify: func(sequence uint64) error {
				return queue.Enqueue(loop.Signal{Kind: loop.KindConsensusCommitted, Sequence: sequence})
			},
			SourceClosed: func() {
				if err := queue.Enqueue(loop.Signal{Kind: loop.KindSourceClosed}); err != nil {
					logger.Printf("failed to enqueue source-closed signal: %v", err)
				}
			},
			Logger:    logger,
			Publisher: router,
			Metrics:   counters,
		})
		taker = a.adapter
	}

	lp, err := loop.New(loop.Config{
		Mode:         mode,
		World:        w,
		Queue:        queue,
		Source:       taker,
		Emitter:      hub,
		Logger:       logger,
		Metrics:      counters,
		Publisher:    router,
		MetricsEvery: settings.MetricsEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct loop: %w", err)
	}
	a.loop = lp

	// Requesting a snapshot before the first applied tick must return the
	// world's initial state, not an empty frame.
	hub.PublishSnapshot(w.Snapshot(), loop.Origin{})

	if mode == loop.ModeScripted {
		a.driver = loop.NewDriver(loop.DriverConfig{
			Queue:    queue,
			Interval: settings.TickInterval(),
			Playing:  lp.Playing,
		})
	}

	line, err := lineserver.New(lineserver.Config{
		Addr:      settings.BindAddr,
		MaxConns:  settings.MaxConns,
		Hub:       hub,
		Control:   control.Context{Mode: mode, Enqueue: queue.Enqueue},
		Logger:    logger,
		Publisher: router,
	})
	if err != nil {
		return nil, err
	}
	a.line = line

	lineLn, err := net.Listen("tcp", settings.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", settings.BindAddr, err)
	}
	a.lineLn = lineLn

	httpLn, err := net.Listen("tcp", settings.HTTPAddr)
	if err != nil {
		lineLn.Close()
		return nil, fmt.Errorf("listen on %s: %w", settings.HTTPAddr, err)
	}
	a.httpLn = httpLn

	handler := wsbridge.NewHandler(wsbridge.Config{
		UpstreamAddr: lineLn.Addr().String(),
		ClientDir:    settings.ClientDir,
		Hub:          hub,
		Loop:         lp,
		Counters:     counters,
		Logger:       logger,
		Publisher:    router,
	})
	a.httpSrv = &nethttp.Server{Handler: handler}

	return a, nil
}

// LineAddr is the bound line transport address.
func (a *App) LineAddr() net.Addr {
	return a.lineLn.Addr()
}

// HTTPAddr is the bound websocket bridge address.
func (a *App) HTTPAddr() net.Addr {
	return a.httpLn.Addr()
}

// Serve runs the daemon until the context ends or a listener fails, then
// tears everything down in order.
func (a *App) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.router.Close(closeCtx); cerr != nil {
			a.logger.Printf("failed to close logging router: %v", cerr)
		}
		if a.logFile != nil {
			a.logFile.Close()
		}
	}()

	transportCtx, stopTransports := context.WithCancel(context.Background())
	defer stopTransports()
	producerCtx, stopProducers := context.WithCancel(context.Background())
	defer stopProducers()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.loop.Run(context.Background())
	}()

	var producers sync.WaitGroup
	if a.driver != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			a.driver.Run(producerCtx)
		}()
	}
	if a.source != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			a.source.Run(producerCtx)
		}()
	}
	if a.adapter != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			a.adapter.Run(producerCtx)
		}()
	}

	lineErr := make(chan error, 1)
	go func() {
		lineErr <- a.line.Serve(transportCtx, netutil.LimitListener(a.lineLn, a.settings.MaxConns))
	}()

	a.logger.Printf("websocket bridge listening on %s", a.httpLn.Addr())
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- a.httpSrv.Serve(a.httpLn)
	}()

	var failure error
	lineStopped, httpStopped := false, false
	select {
	case <-ctx.Done():
	case <-loopDone:
		// The loop only exits on its own when the commit source closed
		// terminally; the daemon winds down with it.
	case err := <-lineErr:
		lineStopped = true
		if err != nil {
			failure = fmt.Errorf("line server failed: %w", err)
		}
	case err := <-httpErr:
		httpStopped = true
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			failure = fmt.Errorf("http server failed: %w", err)
		}
	}

	// Transports close first so no new work arrives while the producers
	// stop and the loop drains what is already queued.
	stopTransports()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil && a.logger != nil {
		a.logger.Printf("http shutdown: %v", err)
	}
	cancel()

	if !lineStopped {
		if err := <-lineErr; err != nil && failure == nil {
			failure = fmt.Errorf("line server failed: %w", err)
		}
	}
	if !httpStopped {
		if err := <-httpErr; err != nil && !errors.Is(err, nethttp.ErrServerClosed) && failure == nil {
			failure = fmt.Errorf("http server failed: %w", err)
		}
	}

	stopProducers()
	producers.Wait()

	a.queue.Close()
	<-loopDone

	return failure
}

// Run wires a daemon from cfg and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(cfg)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}
