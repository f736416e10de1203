// Package jobfactory resolves a jobdoc.Cloud to the stagehandler.Handler
// constructor a given stage service registered for it, falling back to
// a no-op handler for clouds the stage does not implement — the Go
// expression of the rule "unknown cloud falls back to a NoOp handler"
// (spec.md §4.E). The registry pattern mirrors the teacher's
// pkg/provider: a small interface plus per-implementation constructors
// selected by a type key, rather than a class hierarchy.
package jobfactory

import (
	"context"

	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/stagehandler"
)

// Constructor builds a fresh Handler for one job. Factories call this
// once per job, never reusing a Handler across jobs.
type Constructor func() stagehandler.Handler

// Factory resolves jobdoc.Cloud values to Handler constructors for one
// stage service.
type Factory struct {
	stage        string
	constructors map[jobdoc.Cloud]Constructor
}

// New builds an empty Factory for the named stage (used only in log
// messages and error text).
func New(stage string) *Factory {
	return &Factory{stage: stage, constructors: make(map[jobdoc.Cloud]Constructor)}
}

// Register associates cloud with a constructor. Calling Register twice
// for the same cloud replaces the previous constructor — callers
// typically call this once per cloud at service startup.
func (f *Factory) Register(cloud jobdoc.Cloud, ctor Constructor) {
	f.constructors[cloud] = ctor
}

// Build returns a new Handler for cloud. If no constructor was
// registered for cloud, it returns a NoOp handler rather than an
// error, per spec.md §4.E.
func (f *Factory) Build(cloud jobdoc.Cloud) stagehandler.Handler {
	if ctor, ok := f.constructors[cloud]; ok {
		return ctor()
	}
	return NewNoOp(f.stage, cloud)
}

// Registered reports whether a real (non-NoOp) constructor exists for
// cloud, for services that want to log or reject instead of silently
// no-opping.
func (f *Factory) Registered(cloud jobdoc.Cloud) bool {
	_, ok := f.constructors[cloud]
	return ok
}

// NoOpHandler is the fallback Handler used when a stage has no
// cloud-specific work to do (e.g. a stage that is a pure pass-through
// for a given cloud). It always succeeds with an empty status message.
type NoOpHandler struct {
	stagehandler.Base
	stage string
	cloud jobdoc.Cloud
}

// NewNoOp builds a NoOpHandler, used both as the jobfactory fallback
// and directly by stages that never do cloud-specific work at all.
func NewNoOp(stage string, cloud jobdoc.Cloud) *NoOpHandler {
	return &NoOpHandler{stage: stage, cloud: cloud}
}

func (h *NoOpHandler) PostInit(ctx context.Context, doc *jobdoc.Document) error {
	h.Doc = doc
	return nil
}

func (h *NoOpHandler) RequestCredentials(ctx context.Context, client credentials.Client, accounts []string) error {
	return nil
}

func (h *NoOpHandler) RunJob(ctx context.Context) error {
	h.SetStatus(jobdoc.StatusSuccess)
	return nil
}

var _ stagehandler.Handler = (*NoOpHandler)(nil)
