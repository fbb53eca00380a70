package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/lifeline/internal/api"
	"github.com/vietddude/lifeline/internal/core/config"
	"github.com/vietddude/lifeline/internal/core/notice"
	"github.com/vietddude/lifeline/internal/core/session"
	"github.com/vietddude/lifeline/internal/core/worker"
	"github.com/vietddude/lifeline/internal/health"
	"github.com/vietddude/lifeline/internal/infra/connectivity"
	"github.com/vietddude/lifeline/internal/infra/remote"
	"github.com/vietddude/lifeline/internal/resilience"
	"github.com/vietddude/lifeline/internal/sync/executor"
	"github.com/vietddude/lifeline/internal/sync/queue"
	"github.com/vietddude/lifeline/internal/telemetry"
)

// App owns every component and their background loops.
type App struct {
	cfg     *config.AppConfig
	store   *Store
	remote  *remote.HTTPClient
	session *session.Static
	queue   *queue.Manager
	monitor *health.Monitor
	machine *resilience.Machine
	watcher *connectivity.Watcher
	pruner  *worker.Pruner
	server  *api.Server
	influx  *telemetry.InfluxTracker
	log     *slog.Logger

	initOnce sync.Once
	initErr  error
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewApp opens the store and builds all components. Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Storage
	store, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	logger.Info("Using action store", "backend", store.Backend)

	// 2. Telemetry
	trackers := telemetry.Multi{telemetry.NewSlogTracker(logger), telemetry.PromTracker{}}
	var influx *telemetry.InfluxTracker
	if cfg.Telemetry.Influx.URL != "" {
		influx = telemetry.NewInfluxTracker(cfg.Telemetry.Influx, logger)
		trackers = append(trackers, influx)
	}

	// 3. Remote and sync engine
	client := remote.NewHTTPClient(cfg.Remote, logger)
	exec, err := executor.New(client, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build executor: %w", err)
	}
	sess := session.NewStatic(cfg.User.ID)
	q := queue.NewManager(store.Repo, exec, sess, cfg.Queue,
		queue.WithNotifier(notice.NewLogNotifier(logger)),
		queue.WithTracker(trackers),
		queue.WithLogger(logger),
	)

	// 4. Health, connectivity, resilience
	var prober health.Prober
	if client.Configured() {
		prober = client
	}
	mon := health.NewMonitor(prober, cfg.Health,
		health.WithLogger(logger),
		health.WithTracker(trackers),
	)

	connCfg := cfg.Connectivity
	if connCfg.Address == "" && cfg.Remote.BaseURL != "" {
		if addr, err := connectivity.AddressFromURL(cfg.Remote.BaseURL); err == nil {
			connCfg.Address = addr
		}
	}
	watcher := connectivity.NewWatcher(connCfg, logger)

	machine := resilience.New(q, mon, sess, cfg.Resilience,
		resilience.WithTracker(trackers),
		resilience.WithLogger(logger),
		resilience.WithSubmitter(client),
	)

	// 5. Receipt pruning
	pruner := worker.NewPruner(cfg.Queue.ReceiptRetention, store.Repo, logger)
	pruner.OnPrune(func(ctx context.Context, _ int) { q.Refresh(ctx) })

	var server *api.Server
	if cfg.Server.Port > 0 {
		server = api.NewServer(machine, watcher, cfg.Server.Port, logger)
	}

	return &App{
		cfg:     cfg,
		store:   store,
		remote:  client,
		session: sess,
		queue:   q,
		monitor: mon,
		machine: machine,
		watcher: watcher,
		pruner:  pruner,
		server:  server,
		influx:  influx,
		log:     logger,
	}, nil
}

// Machine exposes the resilience contract.
func (a *App) Machine() *resilience.Machine {
	return a.machine
}

// Session exposes the signed-in user.
func (a *App) Session() *session.Static {
	return a.session
}

// Init loads the queue. It is safe to call more than once.
func (a *App) Init(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.initErr = a.machine.Init(ctx)
	})
	return a.initErr
}

// Start initialises the machine and runs all background loops.
func (a *App) Start(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	a.group = g

	a.watcher.OnChange(func(online bool) {
		a.machine.SetOnline(gctx, online)
	})

	if a.server != nil {
		g.Go(a.server.Start)
	}
	g.Go(func() error {
		a.monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.watcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.pruner.Start(gctx)
		return nil
	})
	if a.influx != nil {
		g.Go(func() error { return a.influx.Run(gctx) })
	}
	a.store.StartMetricsCollector(gctx)

	// replay whatever survived the last run
	g.Go(func() error {
		a.queue.TriggerSync(gctx)
		return nil
	})

	a.log.Info("Lifeline started",
		"user", a.session.UserID(),
		"remote", a.remote.Configured(),
		"probe", a.monitor.Configured(),
	)
	return nil
}

// Wait blocks until a loop fails or the app is stopped.
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Stop stops every loop and releases the store.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping Lifeline...")

	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan error, 1)
	go func() { done <- a.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for background loops: %w", ctx.Err()))
	}

	a.machine.Dispose()
	if a.influx != nil {
		a.influx.Close()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
