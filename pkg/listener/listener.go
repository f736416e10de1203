// Package listener implements the reusable worker loop every stage
// service is built on (spec.md §4.F): a job-document consumer that
// registers jobs on its own goroutine and a listener-message consumer
// that queues handler runs on a bounded-channel worker pool, with
// at-most-one in-flight execution per job id. The
// concurrency shape is grounded in the teacher's pkg/crawler
// (bounded channels, worker pool, atomic counters); the persistence
// and rehydrate-on-start lifecycle is grounded in pkg/jobregistry.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobfactory"
	"github.com/3leaps/mash/pkg/jobstore"
	"github.com/3leaps/mash/pkg/notify"
	"github.com/3leaps/mash/pkg/stagehandler"
	"github.com/3leaps/mash/pkg/statemachine"
)

// Config parameterizes one stage service's Listener.
type Config struct {
	// Stage is this service's canonical name (e.g. "create").
	Stage string

	// ServiceExchange is this stage's own exchange: its job_document
	// queue binds here, and job_document messages for this stage
	// arrive through it.
	ServiceExchange string

	// PrevExchange/PrevService identify the upstream stage whose
	// listener messages this service consumes. The listener queue is
	// bound to PrevExchange, per job id, under routing key
	// "<PrevService>.<job_id>" as each job registers (spec.md §4.F).
	PrevExchange string
	PrevService  string

	// NextExchange is where forwarded listener messages are
	// published, using routing key "<Stage>.<job_id>".
	NextExchange string

	// ListenerMsgArgs lists job-document keys that must be present for
	// a job to be accepted; their absence is treated as a stage
	// configuration error (spec.md §4.F/§7).
	ListenerMsgArgs []string

	// WorkerPoolSize bounds concurrent RunJob executions.
	WorkerPoolSize int

	// ChannelBuffer bounds the work queue between the listener-message
	// consumer and the worker pool.
	ChannelBuffer int
}

func (c Config) jobDocumentQueue() string { return c.Stage + ".job_document" }
func (c Config) listenerQueue() string    { return c.Stage + ".listener" }
func (c Config) deleteKey() string        { return c.Stage + "_job_delete" }
func (c Config) newJobKey() string        { return c.Stage + "_job" }

// Deps bundles the collaborators a Listener drives. NotifySink and
// CredentialsClient may be nil for stages that never send mail or
// request credentials directly (the factory-built handler can carry
// its own credentials.Client instead).
type Deps struct {
	Broker            broker.Broker
	Store             *jobstore.Store
	Factory           *jobfactory.Factory
	NotifySink        notify.Sink
	CredentialsClient credentials.Client
	Logger            *zap.Logger
	Metrics           *Metrics
}

type jobEntry struct {
	mu      sync.Mutex
	doc     *jobdoc.Document
	handler stagehandler.Handler
}

// Listener is one running stage service instance.
type Listener struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	jobsMu sync.RWMutex
	jobs   map[string]*jobEntry

	attemptsMu sync.Mutex
	attempts   map[string]int // listener messages seen before their job registered

	workCh chan func(context.Context)
	wg     sync.WaitGroup
}

// New builds a Listener. Call Start to begin consuming.
func New(cfg Config, deps Deps) *Listener {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 100
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil, cfg.Stage)
	}

	return &Listener{
		cfg:      cfg,
		deps:     deps,
		log:      logger.Named("listener." + cfg.Stage),
		jobs:     make(map[string]*jobEntry),
		attempts: make(map[string]int),
		workCh:   make(chan func(context.Context), cfg.ChannelBuffer),
	}
}

// Start declares topology, rehydrates persisted jobs, spins up the
// worker pool, and begins consuming both queues. It returns once
// consumers are registered; processing continues in background
// goroutines until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.deps.Broker.DeclareExchange(l.cfg.ServiceExchange); err != nil {
		return fmt.Errorf("listener %s: declare exchange: %w", l.cfg.Stage, err)
	}
	if err := l.deps.Broker.DeclareQueue(l.cfg.jobDocumentQueue()); err != nil {
		return fmt.Errorf("listener %s: declare job_document queue: %w", l.cfg.Stage, err)
	}
	if err := l.deps.Broker.Bind(l.cfg.ServiceExchange, l.cfg.jobDocumentQueue(), "job_document"); err != nil {
		return fmt.Errorf("listener %s: bind job_document queue: %w", l.cfg.Stage, err)
	}
	if err := l.deps.Broker.DeclareQueue(l.cfg.listenerQueue()); err != nil {
		return fmt.Errorf("listener %s: declare listener queue: %w", l.cfg.Stage, err)
	}

	if err := l.rehydrate(ctx); err != nil {
		return fmt.Errorf("listener %s: rehydrate: %w", l.cfg.Stage, err)
	}

	for i := 0; i < l.cfg.WorkerPoolSize; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}

	if err := l.deps.Broker.Consume(l.cfg.jobDocumentQueue(), l.handleJobDocument); err != nil {
		return fmt.Errorf("listener %s: consume job_document: %w", l.cfg.Stage, err)
	}
	if err := l.deps.Broker.Consume(l.cfg.listenerQueue(), l.handleListenerMessage); err != nil {
		return fmt.Errorf("listener %s: consume listener: %w", l.cfg.Stage, err)
	}
	return nil
}

// Stop closes the work channel and waits for in-flight workers to
// drain. It does not interrupt a running RunJob call (spec.md §5:
// "there are no cooperative cancellation tokens").
func (l *Listener) Stop() {
	close(l.workCh)
	l.wg.Wait()
}

func (l *Listener) worker(ctx context.Context) {
	defer l.wg.Done()
	for fn := range l.workCh {
		fn(ctx)
	}
}

// rehydrate replays every persisted job through the same registration
// path a fresh job_document takes, without re-publishing downstream
// (spec.md §4.F step 3).
func (l *Listener) rehydrate(ctx context.Context) error {
	if err := l.deps.Store.EnsureDir(); err != nil {
		return err
	}
	records, errs := l.deps.Store.ListAll()
	for _, err := range errs {
		l.log.Warn("skipped unreadable job record during rehydrate", zap.Error(err))
	}
	for _, rec := range records {
		var doc jobdoc.Document
		if err := json.Unmarshal(rec.Raw, &doc); err != nil {
			l.log.Warn("skipped malformed job record during rehydrate",
				zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		if recovered := statemachine.RecoverFromCrash(doc.State); recovered != doc.State {
			l.log.Warn("reverting job caught mid-run at startup",
				zap.String("job_id", rec.ID), zap.String("from", string(doc.State)),
				zap.String("to", string(recovered)))
			doc.State = recovered
		}
		if err := l.registerJob(ctx, &doc); err != nil {
			l.log.Warn("failed to rehydrate job",
				zap.String("job_id", rec.ID), zap.Error(err))
		}
	}
	return nil
}
