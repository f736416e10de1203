// Package jobcreator implements the Job Creator Service (spec.md §4.H):
// the single entry point that validates a submitted job document,
// checks its accounts with the credentials service, and — once those
// accounts are confirmed — fans the job out to every pipeline stage up
// to its last_service.
//
// This is a direct, faithful port of
// mash/services/jobcreator/service.py: the new-job credentials round
// trip (credentials_job_check / start_job) is plain broker pub/sub
// against an in-process pending-jobs map, exactly mirroring the
// source's self.jobs dict — it does not go through pkg/credentials at
// all. Account lifecycle (add_account/delete_account) is relayed
// through pkg/credentials.HTTPClient instead of the source's broker
// relay; see DESIGN.md for why.
package jobcreator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/schema"
)

// Config names the exchanges and routing keys the Job Creator talks
// over. StageExchanges maps each canonical stage name (jobdoc.PipelineOrder)
// to the exchange that stage's listener consumes from.
type Config struct {
	ServiceExchange     string // e.g. "mash.jobcreator"
	CredentialsExchange string // e.g. "mash.credentials"
	StageExchanges      map[string]string
}

func (c Config) jobDocumentQueue() string { return c.ServiceExchange + ".job_document" }
func (c Config) listenerQueue() string    { return c.ServiceExchange + ".listener" }

const (
	jobDocumentRoutingKey   = "job_document"
	addAccountRoutingKey    = "add_account"
	deleteAccountRoutingKey = "delete_account"
)

// Deps wires the Job Creator's collaborators.
type Deps struct {
	Broker       broker.Broker
	AccountRelay credentials.AccountRelay // nil disables the add/delete_account relay
	Logger       *zap.Logger
}

// JobCreator is the Job Creator Service.
type JobCreator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu      sync.Mutex
	pending map[string]*jobdoc.Document // job id -> submitted doc, awaiting accounts_info
}

// New builds a JobCreator. deps.Logger defaults to zap.NewNop() if nil.
func New(cfg Config, deps Deps) *JobCreator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &JobCreator{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		pending: make(map[string]*jobdoc.Document),
	}
}

// Start declares the exchange and queues, binds the listener queue to
// add_account/delete_account, and registers both consumers.
func (jc *JobCreator) Start(ctx context.Context) error {
	if err := jc.deps.Broker.DeclareExchange(jc.cfg.ServiceExchange); err != nil {
		return fmt.Errorf("jobcreator: declare exchange: %w", err)
	}
	if err := jc.deps.Broker.DeclareQueue(jc.cfg.jobDocumentQueue()); err != nil {
		return fmt.Errorf("jobcreator: declare job_document queue: %w", err)
	}
	if err := jc.deps.Broker.Bind(jc.cfg.ServiceExchange, jc.cfg.jobDocumentQueue(), jobDocumentRoutingKey); err != nil {
		return fmt.Errorf("jobcreator: bind job_document queue: %w", err)
	}
	if err := jc.deps.Broker.DeclareQueue(jc.cfg.listenerQueue()); err != nil {
		return fmt.Errorf("jobcreator: declare listener queue: %w", err)
	}
	if err := jc.deps.Broker.Bind(jc.cfg.ServiceExchange, jc.cfg.listenerQueue(), addAccountRoutingKey); err != nil {
		return fmt.Errorf("jobcreator: bind add_account: %w", err)
	}
	if err := jc.deps.Broker.Bind(jc.cfg.ServiceExchange, jc.cfg.listenerQueue(), deleteAccountRoutingKey); err != nil {
		return fmt.Errorf("jobcreator: bind delete_account: %w", err)
	}

	if err := jc.deps.Broker.Consume(jc.cfg.jobDocumentQueue(), jc.handleServiceMessage); err != nil {
		return fmt.Errorf("jobcreator: consume job_document: %w", err)
	}
	if err := jc.deps.Broker.Consume(jc.cfg.listenerQueue(), jc.handleListenerMessage); err != nil {
		return fmt.Errorf("jobcreator: consume listener: %w", err)
	}
	return nil
}

// serviceEnvelope is the wire shape on the Job Creator's own service
// queue: exactly one of these keys is present per message, matching
// service.py's _handle_service_message dispatch.
type serviceEnvelope struct {
	JobDelete  *string       `json:"job_delete,omitempty"`
	InvalidJob *string       `json:"invalid_job,omitempty"`
	StartJob   *startJobBody `json:"start_job,omitempty"`
}

type startJobBody struct {
	ID           string             `json:"id"`
	AccountsInfo jobdoc.AccountInfo `json:"accounts_info"`
}

func (jc *JobCreator) handleServiceMessage(d broker.Delivery) {
	defer func() { _ = d.Ack() }()

	var env serviceEnvelope
	if err := json.Unmarshal(d.Body, &env); err == nil && (env.JobDelete != nil || env.InvalidJob != nil || env.StartJob != nil) {
		switch {
		case env.JobDelete != nil:
			jc.PublishDeleteJob(context.Background(), *env.JobDelete)
		case env.InvalidJob != nil:
			jc.log.Warn("job failed, accounts do not exist", zap.String("job_id", *env.InvalidJob))
		case env.StartJob != nil:
			jc.SendJob(context.Background(), env.StartJob.ID, env.StartJob.AccountsInfo)
		}
		return
	}

	if err := jc.ProcessNewJob(context.Background(), d.Body); err != nil {
		jc.log.Error("invalid job submission", zap.Error(err))
	}
}

// credentialsJobCheck is published to the credentials exchange after a
// new job validates; the credentials service replies asynchronously
// with a start_job message on this service's own queue.
type credentialsJobCheck struct {
	ID             string                 `json:"id"`
	Cloud          jobdoc.Cloud           `json:"cloud"`
	CloudAccounts  map[string]interface{} `json:"cloud_accounts"`
	RequestingUser string                 `json:"requesting_user"`
}

// ProcessNewJob validates a submitted job document against the job
// document schema, allocates an id if the submitter did not supply
// one, stores the document pending its accounts_info reply, and
// publishes a credentials_job_check message.
func (jc *JobCreator) ProcessNewJob(ctx context.Context, raw []byte) error {
	if err := schema.ValidateRaw(schema.KindJobDocument, raw); err != nil {
		return fmt.Errorf("jobcreator: job document invalid: %w", err)
	}

	var doc jobdoc.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("jobcreator: decode job document: %w", err)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if !doc.Cloud.Valid() {
		return fmt.Errorf("jobcreator: unsupported cloud %q", doc.Cloud)
	}

	jc.mu.Lock()
	jc.pending[doc.ID] = &doc
	jc.mu.Unlock()

	check := credentialsJobCheck{
		ID:             doc.ID,
		Cloud:          doc.Cloud,
		CloudAccounts:  doc.CloudAccounts,
		RequestingUser: doc.RequestingUser,
	}
	body, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("jobcreator: marshal credentials_job_check: %w", err)
	}

	jc.log.Info("validated new job, requesting account check", zap.String("job_id", doc.ID))
	if err := jc.deps.Broker.Publish(ctx, jc.cfg.CredentialsExchange, jobDocumentRoutingKey, body); err != nil {
		return fmt.Errorf("jobcreator: publish credentials_job_check: %w", err)
	}
	return nil
}

// SendJob resolves the pending job for id, fans a per-stage message
// out to every stage exchange up to and including the job's
// last_service (credentials always first), and discards the pending
// entry. A job id with no pending entry is logged and dropped — it can
// only mean a stale or duplicate start_job reply.
func (jc *JobCreator) SendJob(ctx context.Context, id string, accountsInfo jobdoc.AccountInfo) {
	jc.mu.Lock()
	doc, ok := jc.pending[id]
	if ok {
		delete(jc.pending, id)
	}
	jc.mu.Unlock()

	if !ok {
		jc.log.Warn("start_job for unknown or already-started job id", zap.String("job_id", id))
		return
	}

	jc.log.Info("starting job", zap.String("job_id", id), zap.String("last_service", doc.LastService))

	stages, err := jobdoc.StagesThrough(doc.LastService)
	if err != nil {
		jc.log.Error("cannot start job: invalid last_service", zap.String("job_id", id), zap.Error(err))
		return
	}

	jc.publishStage(ctx, jc.cfg.CredentialsExchange, "credentials", id, doc, accountsInfo)
	for _, stage := range stages {
		exchange, ok := jc.cfg.StageExchanges[stage]
		if !ok {
			jc.log.Warn("no exchange configured for stage, skipping", zap.String("stage", stage))
			continue
		}
		jc.publishStage(ctx, exchange, stage, id, doc, accountsInfo)
	}
}

// publishStage flattens doc, merges in accounts_info and the
// "<stage>_job" marker key the destination listener requires to
// register a new job (pkg/listener.Config.newJobKey), and publishes
// under the job_document routing key.
func (jc *JobCreator) publishStage(ctx context.Context, exchange, stage, id string, doc *jobdoc.Document, accountsInfo jobdoc.AccountInfo) {
	if exchange == "" {
		return
	}

	docBody, err := json.Marshal(doc)
	if err != nil {
		jc.log.Error("failed to marshal job document for stage", zap.String("job_id", id), zap.Error(err))
		return
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(docBody, &merged); err != nil {
		jc.log.Error("failed to flatten job document for stage", zap.String("job_id", id), zap.Error(err))
		return
	}
	merged["accounts_info"] = accountsInfo
	merged[stage+"_job"] = true

	body, err := json.Marshal(merged)
	if err != nil {
		jc.log.Error("failed to marshal stage message", zap.String("job_id", id), zap.Error(err))
		return
	}

	if err := jc.deps.Broker.Publish(ctx, exchange, jobDocumentRoutingKey, body); err != nil {
		jc.log.Error("failed to publish stage message", zap.String("job_id", id), zap.String("exchange", exchange), zap.Error(err))
	}
}

// PublishDeleteJob fans a "<stage>_job_delete" message out to every
// configured stage exchange plus credentials, flushing id out of the
// pipeline regardless of which stage it is currently in.
func (jc *JobCreator) PublishDeleteJob(ctx context.Context, id string) {
	jc.log.Info("deleting job", zap.String("job_id", id))

	jc.mu.Lock()
	delete(jc.pending, id)
	jc.mu.Unlock()

	jc.publishDelete(ctx, jc.cfg.CredentialsExchange, "credentials", id)
	for stage, exchange := range jc.cfg.StageExchanges {
		jc.publishDelete(ctx, exchange, stage, id)
	}
}

func (jc *JobCreator) publishDelete(ctx context.Context, exchange, stage, id string) {
	if exchange == "" {
		return
	}
	body, err := json.Marshal(map[string]string{stage + "_job_delete": id})
	if err != nil {
		jc.log.Error("failed to marshal delete message", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := jc.deps.Broker.Publish(ctx, exchange, jobDocumentRoutingKey, body); err != nil {
		jc.log.Error("failed to publish delete message", zap.String("job_id", id), zap.String("exchange", exchange), zap.Error(err))
	}
}
