package listener

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/credentials"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobfactory"
	"github.com/3leaps/mash/pkg/jobstore"
	"github.com/3leaps/mash/pkg/stagehandler"
)

// scriptedHandler lets tests control RunJob's outcome deterministically.
type scriptedHandler struct {
	stagehandler.Base
	resultStatus jobdoc.Status
	resultMsg    map[string]interface{}
	ran          bool
}

func (h *scriptedHandler) PostInit(ctx context.Context, doc *jobdoc.Document) error {
	h.Doc = doc
	return nil
}

func (h *scriptedHandler) RequestCredentials(ctx context.Context, client credentials.Client, accounts []string) error {
	return nil
}

func (h *scriptedHandler) RunJob(ctx context.Context) error {
	h.ran = true
	h.SetStatus(h.resultStatus)
	h.SetStatusMsg(h.resultMsg)
	return nil
}

func newTestListener(t *testing.T, b *broker.Fake, handler *scriptedHandler) (*Listener, *jobstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store := jobstore.New(dir)

	factory := jobfactory.New("create")
	factory.Register(jobdoc.CloudEC2, func() stagehandler.Handler { return handler })

	l := New(Config{
		Stage:           "create",
		ServiceExchange: "mash.create",
		PrevExchange:    "mash.jobcreator",
		PrevService:     "jobcreator",
		NextExchange:    "mash.test",
		ListenerMsgArgs: []string{"target_regions"},
		WorkerPoolSize:  2,
		ChannelBuffer:   4,
	}, Deps{
		Broker:  b,
		Store:   store,
		Factory: factory,
	})

	require.NoError(t, b.DeclareExchange("mash.jobcreator"))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l, store
}

func publishNewJob(t *testing.T, b *broker.Fake, doc *jobdoc.Document) {
	t.Helper()
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))
	raw["create_job"] = true
	body, err = json.Marshal(raw)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "mash.create", "job_document", body))
}

func waitForForward(t *testing.T, b *broker.Fake, exchange string) broker.Published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range b.Published() {
			if p.Exchange == exchange {
				return p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a publish to %s", exchange)
	return broker.Published{}
}

func TestListenerHappyPathRunsHandlerAndForwards(t *testing.T) {
	b := broker.NewFake()
	handler := &scriptedHandler{resultStatus: jobdoc.StatusSuccess, resultMsg: map[string]interface{}{"ami": "ami-123"}}
	_, store := newTestListener(t, b, handler)

	doc := &jobdoc.Document{
		ID:             "job-1",
		Cloud:          jobdoc.CloudEC2,
		RequestingUser: "alice",
		LastService:    "publish",
		Extra:          map[string]interface{}{"target_regions": map[string]interface{}{"us-east-1": map[string]interface{}{}}},
	}
	publishNewJob(t, b, doc)

	require.Eventually(t, func() bool {
		_, err := os.Stat(store.Dir())
		return err == nil
	}, time.Second, 5*time.Millisecond)

	body, err := json.Marshal(jobdoc.Message{ID: "job-1", Status: jobdoc.StatusSuccess, StatusMsg: map[string]interface{}{"region": "us-east-1"}})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "jobcreator.job-1", body))

	forwarded := waitForForward(t, b, "mash.test")
	var fwdMsg jobdoc.Message
	require.NoError(t, json.Unmarshal(forwarded.Body, &fwdMsg))
	assert.Equal(t, jobdoc.StatusSuccess, fwdMsg.Status)
	assert.Equal(t, "ami-123", fwdMsg.StatusMsg["ami"])
	assert.Equal(t, "us-east-1", fwdMsg.StatusMsg["region"])
	assert.True(t, handler.ran)

	require.Eventually(t, func() bool {
		var out jobdoc.Document
		err := store.Get("job-1", &out)
		return err == jobstore.ErrNotFound
	}, time.Second, 5*time.Millisecond)
}

func TestListenerFailureMessageSkipsHandlerAndForwards(t *testing.T) {
	b := broker.NewFake()
	handler := &scriptedHandler{resultStatus: jobdoc.StatusSuccess}
	newTestListener(t, b, handler)

	doc := &jobdoc.Document{
		ID:             "job-2",
		Cloud:          jobdoc.CloudEC2,
		RequestingUser: "alice",
		LastService:    "publish",
		Extra:          map[string]interface{}{"target_regions": map[string]interface{}{}},
	}
	publishNewJob(t, b, doc)

	body, err := json.Marshal(jobdoc.Message{ID: "job-2", Status: jobdoc.StatusFailed, StatusMsg: map[string]interface{}{"error_msgs": []string{"boom"}}})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "jobcreator.job-2", body))

	forwarded := waitForForward(t, b, "mash.test")
	var fwdMsg jobdoc.Message
	require.NoError(t, json.Unmarshal(forwarded.Body, &fwdMsg))
	assert.Equal(t, jobdoc.StatusFailed, fwdMsg.Status)
	assert.False(t, handler.ran, "handler must not run when the incoming status is already failed")
}

func TestListenerRequeuesOnceThenDrops(t *testing.T) {
	b := broker.NewFake()
	handler := &scriptedHandler{resultStatus: jobdoc.StatusSuccess}
	l, _ := newTestListener(t, b, handler)

	require.NoError(t, b.DeclareQueue(l.cfg.listenerQueue()))
	require.NoError(t, b.Bind("mash.jobcreator", l.cfg.listenerQueue(), "jobcreator.unregistered"))

	body, err := json.Marshal(jobdoc.Message{ID: "unregistered", Status: jobdoc.StatusSuccess})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "jobcreator.unregistered", body))
	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "jobcreator.unregistered", body))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(l.deps.Metrics.JobsDroppedTotal) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.deps.Metrics.JobsRequeuedTotal))
}
