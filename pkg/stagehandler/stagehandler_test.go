package stagehandler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
)

// fakeHandler is a minimal concrete Handler built on Base, exercising
// the embedding contract the way a real cloud-specific handler would.
type fakeHandler struct {
	Base
	runErr error
}

func (h *fakeHandler) PostInit(ctx context.Context, doc *jobdoc.Document) error {
	h.Doc = doc
	return nil
}

func (h *fakeHandler) RequestCredentials(ctx context.Context, client credentials.Client, accounts []string) error {
	return nil
}

func (h *fakeHandler) RunJob(ctx context.Context) error {
	if h.runErr != nil {
		h.AddError(h.runErr.Error())
		h.SetStatus(jobdoc.StatusFailed)
		return nil
	}
	h.SetStatus(jobdoc.StatusSuccess)
	h.MergeStatusMsg(map[string]interface{}{"region": "us-east-1"})
	return nil
}

var _ Handler = (*fakeHandler)(nil)

func TestBaseDefaultsToPending(t *testing.T) {
	b := &Base{}
	assert.Equal(t, jobdoc.StatusPending, b.Status())
}

func TestBaseAccumulatesErrorsAndStatus(t *testing.T) {
	h := &fakeHandler{runErr: assertErr("boom")}
	require.NoError(t, h.RunJob(context.Background()))
	assert.Equal(t, jobdoc.StatusFailed, h.Status())
	assert.Equal(t, []string{"boom"}, h.ErrorMessages())
}

func TestBaseMergeStatusMsgIsAdditive(t *testing.T) {
	b := &Base{}
	b.SetStatusMsg(map[string]interface{}{"a": 1})
	b.MergeStatusMsg(map[string]interface{}{"b": 2})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, b.StatusMsg())
}

func TestSupportsRollbackFalseWhenUnimplemented(t *testing.T) {
	h := &fakeHandler{}
	_, ok := SupportsRollback(h)
	assert.False(t, ok)
}

type rollbackHandler struct {
	fakeHandler
	rolledBack bool
}

func (h *rollbackHandler) RollbackPartial(ctx context.Context) error {
	h.rolledBack = true
	return nil
}

func TestSupportsRollbackTrueWhenImplemented(t *testing.T) {
	h := &rollbackHandler{}
	r, ok := SupportsRollback(h)
	require.True(t, ok)
	require.NoError(t, r.RollbackPartial(context.Background()))
	assert.True(t, h.rolledBack)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
