package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/statemachine"
)

// listenerBody is the wire shape of a message on this stage's listener
// queue: {id, status, status_msg} (spec.md §4.F).
type listenerBody struct {
	ID        string                 `json:"id"`
	Status    jobdoc.Status          `json:"status"`
	StatusMsg map[string]interface{} `json:"status_msg"`
}

// setState drives doc.State through the statemachine, logging (but not
// failing on) an illegal transition so a bug here degrades to a stale
// state field rather than a dropped job.
func (l *Listener) setState(doc *jobdoc.Document, to statemachine.State) {
	if err := statemachine.Transition(doc.State, to); err != nil {
		l.log.Warn("illegal job state transition",
			zap.String("job_id", doc.ID), zap.String("from", string(doc.State)),
			zap.String("to", string(to)), zap.Error(err))
	}
	doc.State = to
}

// registerJob validates doc's required keys, builds a handler via the
// factory, runs PostInit, persists, registers in the in-memory map,
// and binds the listener queue to the previous stage's routing key for
// this job id.
func (l *Listener) registerJob(ctx context.Context, doc *jobdoc.Document) error {
	for _, key := range l.cfg.ListenerMsgArgs {
		if _, ok := doc.Extra[key]; !ok {
			return fmt.Errorf("missing required key %q", key)
		}
	}

	if doc.State == "" {
		doc.State = statemachine.StatePending
	}

	handler := l.deps.Factory.Build(doc.Cloud)

	entry := &jobEntry{doc: doc}
	if err := handler.PostInit(ctx, doc); err != nil {
		l.log.Warn("handler PostInit failed, treating as configuration error",
			zap.String("job_id", doc.ID), zap.Error(err))
		l.setState(doc, statemachine.StateFailed)
		if err := l.deps.Store.Persist(doc.ID, doc); err != nil {
			l.log.Warn("failed to persist job", zap.String("job_id", doc.ID), zap.Error(err))
		}
		l.forwardFailure(ctx, doc, map[string]interface{}{
			"error_msgs": []string{err.Error()},
		})
		l.deleteJob(doc.ID)
		return nil
	}
	entry.handler = handler

	if err := l.deps.Store.Persist(doc.ID, doc); err != nil {
		l.log.Warn("failed to persist job", zap.String("job_id", doc.ID), zap.Error(err))
	}

	l.jobsMu.Lock()
	l.jobs[doc.ID] = entry
	l.jobsMu.Unlock()
	l.deps.Metrics.JobsActive.Set(float64(l.jobCount()))

	if l.cfg.PrevExchange != "" {
		routingKey := l.cfg.PrevService + "." + doc.ID
		if err := l.deps.Broker.Bind(l.cfg.PrevExchange, l.cfg.listenerQueue(), routingKey); err != nil {
			l.log.Warn("failed to bind listener queue for job",
				zap.String("job_id", doc.ID), zap.Error(err))
		}
	}
	return nil
}

func (l *Listener) jobCount() int {
	l.jobsMu.RLock()
	defer l.jobsMu.RUnlock()
	return len(l.jobs)
}

func (l *Listener) lookupJob(id string) (*jobEntry, bool) {
	l.jobsMu.RLock()
	defer l.jobsMu.RUnlock()
	entry, ok := l.jobs[id]
	return entry, ok
}

func (l *Listener) deleteJob(id string) {
	l.jobsMu.Lock()
	delete(l.jobs, id)
	l.jobsMu.Unlock()
	l.deps.Metrics.JobsActive.Set(float64(l.jobCount()))

	if err := l.deps.Store.Delete(id); err != nil {
		l.log.Warn("failed to delete job from store", zap.String("job_id", id), zap.Error(err))
	}

	l.attemptsMu.Lock()
	delete(l.attempts, id)
	l.attemptsMu.Unlock()
}

// handleJobDocument is the broker.Handler for this stage's
// job_document queue.
func (l *Listener) handleJobDocument(d broker.Delivery) {
	defer func() { _ = d.Ack() }()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &raw); err != nil {
		l.log.Warn("dropped malformed job_document message", zap.Error(err))
		return
	}

	if idRaw, ok := raw[l.cfg.deleteKey()]; ok {
		var id string
		if err := json.Unmarshal(idRaw, &id); err != nil {
			l.log.Warn("dropped malformed job_delete message", zap.Error(err))
			return
		}
		l.deleteJob(id)
		return
	}

	if _, ok := raw[l.cfg.newJobKey()]; !ok {
		l.log.Warn("dropped job_document message missing both new-job and delete markers",
			zap.String("expected_new_job_key", l.cfg.newJobKey()))
		return
	}

	var doc jobdoc.Document
	if err := json.Unmarshal(d.Body, &doc); err != nil {
		l.log.Warn("dropped malformed job document", zap.Error(err))
		return
	}

	if err := l.registerJob(context.Background(), &doc); err != nil {
		l.log.Warn("dropped job document: configuration error",
			zap.String("job_id", doc.ID), zap.Error(err))
	}
}

// handleListenerMessage is the broker.Handler for this stage's
// listener queue.
func (l *Listener) handleListenerMessage(d broker.Delivery) {
	var msg listenerBody
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		l.log.Warn("dropped malformed listener message", zap.Error(err))
		_ = d.Ack()
		return
	}

	entry, ok := l.lookupJob(msg.ID)
	if !ok {
		l.handleUnknownJob(d, msg.ID)
		return
	}
	l.attemptsMu.Lock()
	delete(l.attempts, msg.ID)
	l.attemptsMu.Unlock()

	if !msg.Status.Succeeded() {
		_ = d.Ack()
		l.deps.Metrics.JobsFailedTotal.Inc()
		entry.mu.Lock()
		l.setState(entry.doc, statemachine.StateFailed)
		entry.mu.Unlock()
		if err := l.deps.Store.Persist(entry.doc.ID, entry.doc); err != nil {
			l.log.Warn("failed to persist job", zap.String("job_id", entry.doc.ID), zap.Error(err))
		}
		l.forwardFailure(context.Background(), entry.doc, msg.StatusMsg)
		if l.deps.NotifySink != nil {
			_ = l.deps.NotifySink.NotifyOutcome(context.Background(), entry.doc, l.cfg.Stage, jobdoc.StatusFailed)
		}
		l.deleteJob(msg.ID)
		return
	}

	// Blocks if every worker is busy and the bounded channel is full —
	// backpressure, not a dropped message. d is acked inside runHandler
	// once the handler actually completes.
	l.workCh <- func(ctx context.Context) { l.runHandler(ctx, d, entry, msg) }
}

// handleUnknownJob implements the requeue-once policy: a listener
// message that arrives before its job_document has registered is
// nacked with requeue exactly once, then dropped with a warning.
func (l *Listener) handleUnknownJob(d broker.Delivery, id string) {
	l.attemptsMu.Lock()
	attempts := l.attempts[id]
	l.attempts[id] = attempts + 1
	l.attemptsMu.Unlock()

	if attempts < 1 {
		l.deps.Metrics.JobsRequeuedTotal.Inc()
		_ = d.Nack(true)
		return
	}

	l.log.Warn("dropping listener message: job never registered after one requeue",
		zap.String("job_id", id))
	l.deps.Metrics.JobsDroppedTotal.Inc()
	_ = d.Ack()

	l.attemptsMu.Lock()
	delete(l.attempts, id)
	l.attemptsMu.Unlock()
}

// runHandler executes entry.handler.RunJob on a worker goroutine, then
// forwards the outcome and deletes the job. The per-id mutex guarantees
// at-most-one concurrent execution per job id even if duplicate
// success messages are somehow delivered.
func (l *Listener) runHandler(ctx context.Context, d broker.Delivery, entry *jobEntry, msg listenerBody) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	// A job_delete may have been processed on the job_document consumer
	// goroutine while this closure sat queued on workCh. Re-checking the
	// registry under entry.mu (deleteJob takes jobsMu, not entry.mu, so
	// this is a visibility check, not a second lock on the same mutex)
	// guarantees run_job never begins for a job already deleted
	// (spec.md §8 testable property #3).
	if _, ok := l.lookupJob(entry.doc.ID); !ok {
		_ = d.Ack()
		return
	}

	l.setState(entry.doc, statemachine.StateRunning)
	if err := l.deps.Store.Persist(entry.doc.ID, entry.doc); err != nil {
		l.log.Warn("failed to persist job", zap.String("job_id", entry.doc.ID), zap.Error(err))
	}

	if err := entry.handler.RunJob(ctx); err != nil {
		l.log.Error("handler returned a framework-level error, treating as stage failure",
			zap.String("job_id", entry.doc.ID), zap.Error(err))
	}

	status := entry.handler.Status()
	merged := jobdoc.MergeStatusMsg(msg.StatusMsg, entry.handler.StatusMsg())

	if status.Succeeded() {
		l.setState(entry.doc, statemachine.StateSucceeded)
	} else {
		l.setState(entry.doc, statemachine.StateFailed)
	}
	if err := l.deps.Store.Persist(entry.doc.ID, entry.doc); err != nil {
		l.log.Warn("failed to persist job", zap.String("job_id", entry.doc.ID), zap.Error(err))
	}

	l.publishForward(ctx, entry.doc.ID, status, merged)

	if !status.Succeeded() {
		l.deps.Metrics.JobsFailedTotal.Inc()
	}
	if l.deps.NotifySink != nil {
		_ = l.deps.NotifySink.NotifyOutcome(ctx, entry.doc, l.cfg.Stage, status)
	}

	_ = d.Ack()
	l.deleteJob(entry.doc.ID)
}

// forwardFailure propagates a failure a handler never actually ran —
// either because the upstream stage already failed, or because
// registerJob hit a configuration error — to the next stage unchanged,
// per spec.md §8's "never calls run_job; forwards status=failed
// unchanged" invariant.
func (l *Listener) forwardFailure(ctx context.Context, doc *jobdoc.Document, statusMsg map[string]interface{}) {
	if doc == nil {
		return
	}
	l.publishForward(ctx, doc.ID, jobdoc.StatusFailed, statusMsg)
}

func (l *Listener) publishForward(ctx context.Context, jobID string, status jobdoc.Status, statusMsg map[string]interface{}) {
	if l.cfg.NextExchange == "" {
		return
	}
	body, err := json.Marshal(listenerBody{ID: jobID, Status: status, StatusMsg: statusMsg})
	if err != nil {
		l.log.Error("failed to marshal forwarded listener message", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	routingKey := l.cfg.Stage + "." + jobID
	if err := l.deps.Broker.Publish(ctx, l.cfg.NextExchange, routingKey, body); err != nil {
		l.log.Error("failed to publish forwarded listener message",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	l.deps.Metrics.JobsForwardedTotal.Inc()
}
