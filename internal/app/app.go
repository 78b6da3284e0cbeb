package app

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/core"
	"github.com/ternarybob/tessera/internal/handlers"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/janitor"
	"github.com/ternarybob/tessera/internal/jobspecs"
	"github.com/ternarybob/tessera/internal/queue"
	"github.com/ternarybob/tessera/internal/registry"
	"github.com/ternarybob/tessera/internal/services/events"
	"github.com/ternarybob/tessera/internal/services/jobs"
	badgerstore "github.com/ternarybob/tessera/internal/storage/badger"
	"github.com/ternarybob/tessera/internal/tasks"
	"github.com/timshannon/badgerhold/v4"
)

// App wires the platform together: storage, bus, registries, the
// orchestration machine, its consumer pools, the janitor and the HTTP
// handlers.
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Storage interfaces.StorageManager
	Bus     interfaces.Bus
	Events  interfaces.EventService

	JobRegistry     *registry.JobRegistry
	HandlerRegistry *registry.HandlerRegistry
	Machine         *core.Machine
	JobService      *jobs.Service
	Janitor         *janitor.Janitor

	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler

	pools []*core.ConsumerPool
}

// New builds the application from configuration. Registries are frozen
// before any consumer starts.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	storage, err := badgerstore.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	jobRegistry := registry.NewJobRegistry()
	if err := jobspecs.RegisterAll(jobRegistry); err != nil {
		return nil, fmt.Errorf("failed to register job specs: %w", err)
	}
	handlerRegistry := registry.NewHandlerRegistry()
	if err := tasks.RegisterAll(handlerRegistry); err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}
	jobRegistry.Freeze()
	handlerRegistry.Freeze()

	visibilityTimeout, err := config.VisibilityTimeout()
	if err != nil {
		return nil, err
	}
	db := storage.DB().(*badgerhold.Store).Badger()
	bus, err := queue.NewBadgerBus(db, visibilityTimeout, config.Queue.JobsMaxReceive, jobRegistry.Routes(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize message bus: %w", err)
	}

	eventService := events.NewService(logger)
	publisher := core.NewTaskPublisher(bus, float64(config.Workers.PublishRate), logger)

	handlerTimeout, err := config.HandlerTimeout()
	if err != nil {
		return nil, err
	}
	heartbeatInterval, err := config.HeartbeatInterval()
	if err != nil {
		return nil, err
	}
	machine := core.NewMachine(storage, bus, publisher, jobRegistry, handlerRegistry, eventService, core.MachineConfig{
		HandlerTimeout:    handlerTimeout,
		HeartbeatInterval: heartbeatInterval,
		VisibilityTimeout: visibilityTimeout,
		MaxTaskRetries:    config.Workers.MaxTaskRetries,
	}, logger)

	jobService := jobs.NewService(storage, publisher, jobRegistry, eventService, logger)

	taskHeartbeatTimeout, err := config.TaskHeartbeatTimeout()
	if err != nil {
		return nil, err
	}
	jobStallTimeout, err := config.JobStallTimeout()
	if err != nil {
		return nil, err
	}
	jan := janitor.New(storage, bus, machine, jobRegistry,
		config.Janitor.Schedule, taskHeartbeatTimeout, jobStallTimeout, logger)

	app := &App{
		Config:          config,
		Logger:          logger,
		Storage:         storage,
		Bus:             bus,
		Events:          eventService,
		JobRegistry:     jobRegistry,
		HandlerRegistry: handlerRegistry,
		Machine:         machine,
		JobService:      jobService,
		Janitor:         jan,
		JobHandler:      handlers.NewJobHandler(jobService, logger),
		StatusHandler:   handlers.NewStatusHandler(storage, bus, logger),
		WSHandler:       handlers.NewWebSocketHandler(eventService, logger),
	}
	app.buildPools()
	return app, nil
}

func (a *App) buildPools() {
	pollInterval, err := a.Config.PollInterval()
	if err != nil {
		pollInterval = 0
	}

	jobsPool := core.NewConsumerPool(
		a.Bus.JobsQueue(),
		func(ctx context.Context, d *interfaces.Delivery) error {
			return a.Machine.HandleJobsMessage(ctx, d)
		},
		a.Config.Workers.JobsConcurrency,
		pollInterval,
		a.Logger,
	)
	a.pools = append(a.pools, jobsPool)

	for _, q := range a.Bus.TaskQueues() {
		taskQueue := q
		pool := core.NewConsumerPool(
			taskQueue,
			func(ctx context.Context, d *interfaces.Delivery) error {
				return a.Machine.HandleTaskMessage(ctx, d)
			},
			a.Config.Workers.TasksConcurrency,
			pollInterval,
			a.Logger,
		)
		a.pools = append(a.pools, pool)
	}
}

// Start launches the consumer pools and the janitor
func (a *App) Start() error {
	for _, pool := range a.pools {
		pool.Start()
	}
	if err := a.Janitor.Start(); err != nil {
		return err
	}
	a.Logger.Info().
		Int("job_types", len(a.JobRegistry.Types())).
		Int("task_types", len(a.HandlerRegistry.Types())).
		Msg("Application started")
	return nil
}

// Stop shuts down in reverse order: stop intake, drain workers, close
// storage last.
func (a *App) Stop() {
	a.Janitor.Stop()
	for _, pool := range a.pools {
		pool.Stop()
	}
	if err := a.Storage.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Error closing storage")
	}
	a.Logger.Info().Msg("Application stopped")
}

// DB exposes the raw Badger handle for diagnostics
func (a *App) DB() *badger.DB {
	return a.Storage.DB().(*badgerhold.Store).Badger()
}
