package enginerunner

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"fxengine/internal/autocutoff"
	"fxengine/internal/copytrading"
	"fxengine/internal/dispatch"
	"fxengine/internal/events"
	"fxengine/internal/marginguard"
	"fxengine/internal/market"
	"fxengine/internal/monitor"
	"fxengine/internal/order"
	"fxengine/internal/pendingmon"
	"fxengine/internal/portfolio"
	"fxengine/internal/provider"
	"fxengine/internal/quote"
	"fxengine/internal/repo"
	"fxengine/internal/trigger"
	"fxengine/internal/workers"
	"fxengine/pkg/amqpx"
	"fxengine/pkg/config"
	"fxengine/pkg/cryptoutil"
	"fxengine/pkg/db"
	"fxengine/pkg/redisx"
)

// workerQueue names one of the 7 provider worker queues and the Handler
// that should consume it.
type workerQueue struct {
	name    string
	handler func(w *workers.Worker) workers.Handler
}

// Runner owns every long-lived component the engine needs and fans them
// out as a supervised goroutine group (spec.md §9). It is the engine's
// single composition root: nothing outside this package constructs the
// core domain collaborators.
type Runner struct {
	cfg *config.Config

	redis *redisx.Client
	amqp  *amqpx.Conn

	bus    *events.Bus
	quotes *quote.Store
	store  *repo.Store

	engine    *order.Engine
	triggers  *trigger.Index
	pending   *pendingmon.Index
	portfolio *portfolio.Calculator

	providerConn *provider.Connection
	dispatcher   *dispatch.Dispatcher
	worker       *workers.Worker
	autocut      *autocutoff.Watcher
}

// New constructs every collaborator from cfg but starts nothing; call
// Run to launch the supervised goroutine group.
func New(cfg *config.Config) (*Runner, error) {
	redisClient, err := redisx.New(redisx.Config{Hosts: cfg.RedisHosts, Password: cfg.RedisPassword})
	if err != nil {
		return nil, fmt.Errorf("enginerunner: connect redis: %w", err)
	}

	amqpConn, err := amqpx.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("enginerunner: connect rabbitmq: %w", err)
	}

	// Open Question #3: a group-configuration fallback DSN is mandatory
	// in production — without it, an incomplete cached group config has
	// no source of truth to repair itself from, and every order touching
	// that (group, symbol) pair fails closed with ErrMissingGroupData.
	var groupDB order.GroupDBFallback
	if cfg.GroupDBDSN != "" {
		database, err := db.New(cfg.GroupDBDSN)
		if err != nil {
			return nil, fmt.Errorf("enginerunner: open group db: %w", err)
		}
		if err := db.ApplyMigrations(database); err != nil {
			return nil, fmt.Errorf("enginerunner: migrate group db: %w", err)
		}
		keys, err := cryptoutil.NewKeyManager()
		if err != nil {
			return nil, fmt.Errorf("enginerunner: load credential keys: %w", err)
		}
		groupDB = database.Queries(keys)
	} else {
		log.Println("enginerunner: GROUP_DB_DSN not set, running without a group-config fallback")
	}

	bus := events.NewBus()
	quotes := quote.New(redisClient, int64(cfg.QuoteStalenessMs))
	store := repo.New(redisClient)

	guard := marginguard.New(store, quotes, cfg.PortfolioStrictMode)

	engine := order.NewEngine(store, quotes, groupDB, cfg.PortfolioStrictMode)
	engine.Redis = redisClient

	triggerIndex := trigger.NewIndex(redisClient)
	engine.Triggers = triggerIndex

	pendingIndex := pendingmon.NewIndex(redisClient)

	dbPublish := newDBUpdatePublisher(amqpConn, cfg.OrderDBUpdateQueue)
	engine.DB = dbPublish

	providerConn := provider.New(provider.Config{
		Network:     network(cfg),
		Address:     address(cfg),
		MinBackoff:  cfg.ProviderMinBackoff,
		MaxBackoff:  cfg.ProviderMaxBackoff,
		DialTimeout: cfg.ExecConnectTimeout,
	}, confirmationPublisher{amqpConn, cfg.ConfirmationQueue}, redisClient)
	engine.Provider = providerConn

	calculator := portfolio.New(store, quotes, bus, cfg.PortfolioStrictMode)

	dispatcher := dispatch.New(store, dispatchPublisher{amqpConn})

	worker := &workers.Worker{
		Redis:       redisClient,
		Repo:        store,
		Quotes:      quotes,
		DB:          dbPublish,
		Provider:    providerConn,
		Triggers:    triggerIndex,
		Pending:     pendingIndex,
		Closer:      engine,
		MarginCheck: guard,
		Strict:      cfg.PortfolioStrictMode,
		NewID:       func() string { return uuid.NewString() },
	}

	followers := copytrading.New(redisClient)
	alertSink := monitor.NewSMTPAlertSink(monitor.SMTPConfig{
		Host:     cfg.EmailSMTPHost,
		Port:     cfg.EmailSMTPPort,
		From:     cfg.EmailFrom,
		User:     cfg.EmailUser,
		Password: cfg.EmailPassword,
		To:       cfg.EmailTo,
	})
	autocut := autocutoff.New(bus, redisClient, store, quotes, engine, alertSink, followers, cfg.PortfolioStrictMode, func() string { return uuid.NewString() })

	return &Runner{
		cfg:          cfg,
		redis:        redisClient,
		amqp:         amqpConn,
		bus:          bus,
		quotes:       quotes,
		store:        store,
		engine:       engine,
		triggers:     triggerIndex,
		pending:      pendingIndex,
		portfolio:    calculator,
		providerConn: providerConn,
		dispatcher:   dispatcher,
		worker:       worker,
		autocut:      autocut,
	}, nil
}

// Engine exposes the Order Execution Engine for the HTTP boundary.
func (r *Runner) Engine() *order.Engine { return r.engine }

// Run declares every durable queue, starts every consumer and
// background loop under one errgroup, and blocks until ctx is
// cancelled or any component returns an error.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	confirmCh, err := r.amqp.NewChannel(1)
	if err != nil {
		return fmt.Errorf("enginerunner: open confirmation channel: %w", err)
	}
	if err := amqpx.DeclareDurableWithDLQ(confirmCh, r.cfg.ConfirmationQueue, r.cfg.ConfirmationDLQ); err != nil {
		return fmt.Errorf("enginerunner: declare confirmation queue: %w", err)
	}
	confirmMsgs, err := amqpx.Consume(confirmCh, r.cfg.ConfirmationQueue, "dispatcher")
	if err != nil {
		return fmt.Errorf("enginerunner: consume confirmation queue: %w", err)
	}

	dbUpdateCh, err := r.amqp.NewChannel(1)
	if err != nil {
		return fmt.Errorf("enginerunner: open db-update channel: %w", err)
	}
	if err := amqpx.DeclareDurable(dbUpdateCh, r.cfg.OrderDBUpdateQueue); err != nil {
		return fmt.Errorf("enginerunner: declare db-update queue: %w", err)
	}

	queues := []workerQueue{
		{r.cfg.OrderWorkerOpenQ, func(w *workers.Worker) workers.Handler { return w.HandleOpen }},
		{r.cfg.OrderWorkerCloseQ, func(w *workers.Worker) workers.Handler { return w.HandleClose }},
		{r.cfg.OrderWorkerCancelQ, func(w *workers.Worker) workers.Handler { return w.HandleCancel }},
		{r.cfg.OrderWorkerPendingQ, func(w *workers.Worker) workers.Handler { return w.HandlePending }},
		{r.cfg.OrderWorkerRejectQ, func(w *workers.Worker) workers.Handler { return w.HandleReject }},
		{r.cfg.OrderWorkerSLQ, func(w *workers.Worker) workers.Handler { return w.HandleStoploss }},
		{r.cfg.OrderWorkerTPQ, func(w *workers.Worker) workers.Handler { return w.HandleTakeprofit }},
	}

	type consumerQueue struct {
		msgs   <-chan amqp.Delivery
		handle workers.Handler
	}
	var consumers []consumerQueue
	for _, wq := range queues {
		ch, err := r.amqp.NewChannel(10)
		if err != nil {
			return fmt.Errorf("enginerunner: open channel for %s: %w", wq.name, err)
		}
		if err := amqpx.DeclareDurable(ch, wq.name); err != nil {
			return fmt.Errorf("enginerunner: declare %s: %w", wq.name, err)
		}
		msgs, err := amqpx.Consume(ch, wq.name, wq.name)
		if err != nil {
			return fmt.Errorf("enginerunner: consume %s: %w", wq.name, err)
		}
		consumers = append(consumers, consumerQueue{msgs: msgs, handle: wq.handler(r.worker)})
	}

	// Pending-promotion traffic re-enters on the open queue, so the
	// openDispatcher adapter shares that queue's name.
	openDispatch := newOpenDispatcher(r.store, r.amqp, r.cfg.OrderWorkerOpenQ)
	rejectPublish := &rejectionPublisher{db: newDBUpdatePublisher(r.amqp, r.cfg.OrderDBUpdateQueue)}

	guard := marginguard.New(r.store, r.quotes, r.cfg.PortfolioStrictMode)
	pendingMonitor := pendingmon.NewMonitor(r.redis, r.quotes, r.store, guard, openDispatch, rejectPublish, r.store)

	triggerMonitor := trigger.NewMonitor(r.redis, r.quotes, r.engine)

	if r.cfg.ExecTCPHost == "mock" {
		feed := &market.MockFeed{Store: r.quotes, Bus: r.bus}
		g.Go(func() error { feed.Start(gctx); return nil })
	} else {
		listener := &market.Listener{URL: r.cfg.ExecTCPHost, Store: r.quotes, Bus: r.bus}
		g.Go(func() error { listener.Run(gctx); return nil })
	}

	g.Go(func() error { triggerMonitor.Run(gctx); return nil })
	g.Go(func() error { pendingMonitor.Run(gctx); return nil })
	g.Go(func() error { r.portfolio.Run(gctx); return nil })
	g.Go(func() error { r.providerConn.Run(gctx); return nil })
	g.Go(func() error { r.dispatcher.Run(gctx, confirmMsgs); return nil })
	g.Go(func() error { r.worker.RunProviderPendingMonitor(gctx); return nil })
	g.Go(func() error { return r.autocut.Run(gctx) })

	for _, c := range consumers {
		c := c
		g.Go(func() error { r.worker.Consume(gctx, c.msgs, c.handle); return nil })
	}

	return g.Wait()
}

// Close releases the Runner's broker and cache connections.
func (r *Runner) Close() {
	if r.amqp != nil {
		_ = r.amqp.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func network(cfg *config.Config) string {
	if cfg.ExecUDSPath != "" {
		return "unix"
	}
	return "tcp"
}

func address(cfg *config.Config) string {
	if cfg.ExecUDSPath != "" {
		return cfg.ExecUDSPath
	}
	return cfg.ExecTCPHost + ":" + cfg.ExecTCPPort
}

// dispatchPublisher adapts *pkg/amqpx.Conn to dispatch.QueuePublisher;
// the two interfaces are already identical, this exists only so the
// runner doesn't hand dispatch a *amqpx.Conn directly and tempt it into
// reaching for methods outside its declared collaborator surface.
type dispatchPublisher struct{ conn *amqpx.Conn }

func (p dispatchPublisher) PublishPersistent(ctx context.Context, queue string, body []byte) error {
	return p.conn.PublishPersistent(ctx, queue, body)
}

// confirmationPublisher adapts *pkg/amqpx.Conn to
// provider.ConfirmationPublisher, pinned to the confirmation queue name.
type confirmationPublisher struct {
	conn  *amqpx.Conn
	queue string
}

func (p confirmationPublisher) PublishPersistent(ctx context.Context, queue string, body []byte) error {
	return p.conn.PublishPersistent(ctx, p.queue, body)
}
