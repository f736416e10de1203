// Package stagehandler defines the contract every per-cloud, per-stage
// worker implements (spec.md §4.G). A Handler never propagates panics
// or raw errors to the framework that drives it — it records what
// happened on itself and returns, the same "catch, record, return"
// discipline pkg/provider's capability-checked interfaces assume of
// their callers in the teacher repo.
package stagehandler

import (
	"context"

	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
)

// Handler is the sum-type contract a stage service drives for every
// job it processes. Cloud-specific behavior is injected by
// pkg/jobfactory constructors rather than expressed through
// inheritance.
type Handler interface {
	// PostInit is called once after construction. It extracts and
	// validates stage-specific keys from doc, returning an error if a
	// required key is missing or malformed.
	PostInit(ctx context.Context, doc *jobdoc.Document) error

	// RequestCredentials populates the handler's internal credential
	// state for the named accounts, using client to fetch bundles.
	RequestCredentials(ctx context.Context, client credentials.Client, accounts []string) error

	// RunJob performs the stage's side effects. It must not return an
	// error for expected, job-specific failures — those are recorded
	// via Status/StatusMsg/ErrorMessages instead. RunJob returning a
	// non-nil error indicates a handler-framework contract violation
	// (e.g. PostInit was never called) rather than a job failure.
	RunJob(ctx context.Context) error

	// Status reports the outcome of the most recent RunJob call.
	Status() jobdoc.Status

	// StatusMsg is the structured, additively-mergeable payload
	// forwarded to the next stage (jobdoc.MergeStatusMsg).
	StatusMsg() map[string]interface{}

	// ErrorMessages returns human-readable errors accumulated during
	// RunJob, for logging and for inclusion in a failure notification.
	ErrorMessages() []string
}

// Base is embeddable scaffolding for concrete handlers: it implements
// the bookkeeping methods (Status/StatusMsg/ErrorMessages/AddError/
// SetStatus) so a concrete handler only needs to implement PostInit,
// RequestCredentials, and RunJob.
type Base struct {
	Doc       *jobdoc.Document
	status    jobdoc.Status
	statusMsg map[string]interface{}
	errors    []string
}

// SetStatus records the stage's terminal status for this run.
func (b *Base) SetStatus(s jobdoc.Status) { b.status = s }

// Status implements Handler.
func (b *Base) Status() jobdoc.Status {
	if b.status == "" {
		return jobdoc.StatusPending
	}
	return b.status
}

// SetStatusMsg replaces the structured status payload forwarded
// downstream.
func (b *Base) SetStatusMsg(msg map[string]interface{}) { b.statusMsg = msg }

// MergeStatusMsg additively merges msg into the existing payload,
// using jobdoc.MergeStatusMsg so later stages never clobber earlier
// stages' keys.
func (b *Base) MergeStatusMsg(msg map[string]interface{}) {
	b.statusMsg = jobdoc.MergeStatusMsg(b.statusMsg, msg)
}

// StatusMsg implements Handler.
func (b *Base) StatusMsg() map[string]interface{} { return b.statusMsg }

// AddError appends a human-readable error and, as a side effect,
// should be paired with SetStatus(jobdoc.StatusFailed) by the caller —
// Base does not infer status from error presence because a handler
// may accumulate warnings that do not fail the stage.
func (b *Base) AddError(msg string) { b.errors = append(b.errors, msg) }

// ErrorMessages implements Handler.
func (b *Base) ErrorMessages() []string { return b.errors }

// Rollback is an optional capability a Handler may implement when a
// partial multi-region operation (e.g. EC2 create across several
// regions) must undo work already committed in peer regions after one
// region fails. Framework code checks for it via a type assertion —
// the same feature-detection idiom as pkg/provider/capabilities.go in
// the teacher repo — rather than requiring every Handler to implement
// a no-op Rollback.
type Rollback interface {
	RollbackPartial(ctx context.Context) error
}

// SupportsRollback reports whether h implements Rollback.
func SupportsRollback(h Handler) (Rollback, bool) {
	r, ok := h.(Rollback)
	return r, ok
}
