// Package obswatchdog implements the OBS Watchdog Service (spec.md
// §4.I): a specialization of the stage framework where "obs" jobs are
// driven by a poll loop against an upstream build repository instead
// of a listener message. utctime controls the loop: "always" re-polls
// forever until the job is explicitly deleted, "now" polls every tick
// until the first match, and an ISO-8601 instant waits for that time
// and then polls exactly once.
package obswatchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobstore"
)

// listenerBody mirrors pkg/listener's wire shape for the message
// forwarded to the next stage on a match, so obs's downstream
// neighbor (upload) can't tell whether it came from a listener-driven
// stage or the watchdog.
type listenerBody struct {
	ID        string                 `json:"id"`
	Status    jobdoc.Status          `json:"status"`
	StatusMsg map[string]interface{} `json:"status_msg"`
}

// Config names the exchange topology and poll cadence.
type Config struct {
	Stage        string // "obs"
	NextExchange string // e.g. "mash.upload"
	PollInterval time.Duration
}

// Deps wires the watchdog's collaborators. There is no shared prober:
// each job's package-version conditions name their own extractor set,
// so pollJob compiles one per job from doc.Conditions.
type Deps struct {
	Store      *jobstore.Store
	Broker     broker.Broker
	Repository *Repository
	Logger     *zap.Logger
}

// Watchdog is the OBS Watchdog Service.
type Watchdog struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	cron gocron.Scheduler
}

// New builds a Watchdog. deps.Logger defaults to zap.NewNop() if nil.
func New(cfg Config, deps Deps) (*Watchdog, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("obswatchdog: create scheduler: %w", err)
	}
	return &Watchdog{cfg: cfg, deps: deps, log: deps.Logger, cron: cron}, nil
}

// Start registers the poll tick in singleton mode — a slow tick
// reschedules rather than overlapping the next one — and starts the
// scheduler.
func (w *Watchdog) Start(ctx context.Context) error {
	_, err := w.cron.NewJob(
		gocron.DurationJob(w.cfg.PollInterval),
		gocron.NewTask(func() { w.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("obswatchdog: schedule poll job: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight tick.
func (w *Watchdog) Stop() error {
	return w.cron.Shutdown()
}

// tick loads every persisted obs job and polls each one in turn. A
// poll failure for one job never blocks the others.
func (w *Watchdog) tick(ctx context.Context) {
	records, errs := w.deps.Store.ListAll()
	for _, err := range errs {
		w.log.Warn("failed to read job record", zap.Error(err))
	}
	for _, rec := range records {
		var doc jobdoc.Document
		if err := doc.UnmarshalJSON(rec.Raw); err != nil {
			w.log.Warn("dropping corrupt job record", zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		if err := w.pollJob(ctx, &doc); err != nil {
			w.log.Error("poll failed", zap.String("job_id", doc.ID), zap.Error(err))
		}
	}
}

// pollJob runs one poll attempt for doc if its utctime schedule says
// now is the time, enumerates the build repository under doc.Image,
// and evaluates each candidate artifact's manifest against doc's
// conditions and disallow lists until one matches.
func (w *Watchdog) pollJob(ctx context.Context, doc *jobdoc.Document) error {
	ready, err := w.dueToPoll(doc)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	artifacts, err := w.deps.Repository.List(ctx, doc.Image)
	if err != nil {
		return err
	}

	if !filePredicatesSatisfied(doc.Conditions, artifacts) {
		// No artifact can match; fall through so a one-shot job is
		// still discarded below.
		artifacts = nil
	}

	prober, err := buildProber(doc.Conditions)
	if err != nil {
		return fmt.Errorf("obswatchdog: build prober for job %s: %w", doc.ID, err)
	}

	for _, artifact := range artifacts {
		manifest, err := w.deps.Repository.Fetch(ctx, artifact.Key)
		if err != nil {
			w.log.Warn("failed to fetch manifest", zap.String("job_id", doc.ID), zap.String("key", artifact.Key), zap.Error(err))
			continue
		}
		if reason := violatesDisallow(doc, manifest); reason != "" {
			w.log.Info("skipping disallowed artifact", zap.String("job_id", doc.ID), zap.String("key", artifact.Key), zap.String("reason", reason))
			continue
		}
		fields, err := prober.Probe(manifest)
		if err != nil {
			w.log.Warn("probe failed", zap.String("job_id", doc.ID), zap.String("key", artifact.Key), zap.Error(err))
			continue
		}
		ok, err := matchesPackageConditions(doc.Conditions, fields)
		if err != nil {
			w.log.Warn("condition evaluation failed", zap.String("job_id", doc.ID), zap.String("key", artifact.Key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		w.publishMatch(ctx, doc, fields)
		if doc.UTCTime != jobdoc.UTCTimeAlways {
			if err := w.deps.Store.Delete(doc.ID); err != nil {
				w.log.Warn("failed to delete satisfied job", zap.String("job_id", doc.ID), zap.Error(err))
			}
		}
		return nil
	}

	// An ISO-8601 instant schedules a single attempt: if nothing
	// matched, the job is still spent and is removed so it doesn't
	// silently poll forever on every future tick.
	if !isNonStop(doc.UTCTime) && !isNow(doc.UTCTime) {
		w.log.Warn("scheduled poll found no match, discarding job", zap.String("job_id", doc.ID))
		if err := w.deps.Store.Delete(doc.ID); err != nil {
			w.log.Warn("failed to delete unsatisfied job", zap.String("job_id", doc.ID), zap.Error(err))
		}
	}
	return nil
}

func isNonStop(t jobdoc.UTCTime) bool { return t == jobdoc.UTCTimeAlways }
func isNow(t jobdoc.UTCTime) bool     { return t == jobdoc.UTCTimeNow }

// dueToPoll reports whether doc should be polled on this tick: always
// and now are due on every tick; an ISO-8601 instant is due only once
// that instant has passed.
func (w *Watchdog) dueToPoll(doc *jobdoc.Document) (bool, error) {
	if isNonStop(doc.UTCTime) || isNow(doc.UTCTime) {
		return true, nil
	}
	at, err := time.Parse(time.RFC3339, string(doc.UTCTime))
	if err != nil {
		return false, fmt.Errorf("obswatchdog: job %s has invalid utctime %q: %w", doc.ID, doc.UTCTime, err)
	}
	return !time.Now().UTC().Before(at.UTC()), nil
}

func (w *Watchdog) publishMatch(ctx context.Context, doc *jobdoc.Document, fields map[string]string) {
	statusMsg := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		statusMsg[k] = v
	}
	body := listenerBody{ID: doc.ID, Status: jobdoc.StatusSuccess, StatusMsg: statusMsg}
	b, err := json.Marshal(body)
	if err != nil {
		w.log.Error("failed to marshal match message", zap.String("job_id", doc.ID), zap.Error(err))
		return
	}
	routingKey := w.cfg.Stage + "." + doc.ID
	if err := w.deps.Broker.Publish(ctx, w.cfg.NextExchange, routingKey, b); err != nil {
		w.log.Error("failed to publish match message", zap.String("job_id", doc.ID), zap.Error(err))
		return
	}
	w.log.Info("artifact matched, forwarded to next stage", zap.String("job_id", doc.ID))
}
