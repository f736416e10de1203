package jobcreator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobdoc"
)

func testJobDoc() []byte {
	doc := map[string]interface{}{
		"cloud":              "ec2",
		"requesting_user":    "alice",
		"last_service":       "test",
		"utctime":            "now",
		"image":              "img",
		"cloud_image_name":   "img-name",
		"image_description":  "desc",
		"distro":             "opensuse",
		"download_url":       "https://example.test/img",
		"cloud_accounts":     map[string]interface{}{"acnt1": map[string]interface{}{}},
	}
	b, _ := json.Marshal(doc)
	return b
}

func newTestJobCreator(t *testing.T, b *broker.Fake) *JobCreator {
	t.Helper()
	cfg := Config{
		ServiceExchange:     "mash.jobcreator",
		CredentialsExchange: "mash.credentials",
		StageExchanges: map[string]string{
			"obs":    "mash.obs",
			"upload": "mash.upload",
			"create": "mash.create",
			"test":   "mash.test",
		},
	}
	jc := New(cfg, Deps{Broker: b})
	require.NoError(t, b.DeclareExchange("mash.credentials"))
	require.NoError(t, b.DeclareExchange("mash.obs"))
	require.NoError(t, b.DeclareExchange("mash.upload"))
	require.NoError(t, b.DeclareExchange("mash.create"))
	require.NoError(t, b.DeclareExchange("mash.test"))
	require.NoError(t, jc.Start(context.Background()))
	return jc
}

func TestProcessNewJobPublishesCredentialsJobCheck(t *testing.T) {
	b := broker.NewFake()
	jc := newTestJobCreator(t, b)

	require.NoError(t, jc.ProcessNewJob(context.Background(), testJobDoc()))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "mash.credentials", published[0].Exchange)

	var check map[string]interface{}
	require.NoError(t, json.Unmarshal(published[0].Body, &check))
	assert.Equal(t, "ec2", check["cloud"])
	assert.Equal(t, "alice", check["requesting_user"])
	assert.NotEmpty(t, check["id"])

	jc.mu.Lock()
	assert.Len(t, jc.pending, 1)
	jc.mu.Unlock()
}

func TestProcessNewJobRejectsInvalidDocument(t *testing.T) {
	b := broker.NewFake()
	jc := newTestJobCreator(t, b)

	err := jc.ProcessNewJob(context.Background(), []byte(`{"cloud":"ec2"}`))
	assert.Error(t, err)
	assert.Empty(t, b.Published())
}

func TestSendJobFansOutThroughLastServiceWithCredentialsFirst(t *testing.T) {
	b := broker.NewFake()
	jc := newTestJobCreator(t, b)

	require.NoError(t, jc.ProcessNewJob(context.Background(), testJobDoc()))
	var id string
	jc.mu.Lock()
	for k := range jc.pending {
		id = k
	}
	jc.mu.Unlock()

	jc.SendJob(context.Background(), id, jobdoc.AccountInfo{"acnt1": {"region": "us-east-1"}})

	published := b.Published()
	// credentials_job_check + credentials stage-fanout + obs + upload + create + test
	require.Len(t, published, 6)

	exchanges := make([]string, 0, len(published))
	for _, p := range published {
		exchanges = append(exchanges, p.Exchange)
	}
	assert.Equal(t, []string{
		"mash.credentials", "mash.credentials", "mash.obs", "mash.upload", "mash.create", "mash.test",
	}, exchanges)

	var stageMsg map[string]interface{}
	require.NoError(t, json.Unmarshal(published[2].Body, &stageMsg))
	assert.Equal(t, true, stageMsg["obs_job"])
	require.NotNil(t, stageMsg["accounts_info"])

	jc.mu.Lock()
	assert.Empty(t, jc.pending)
	jc.mu.Unlock()
}

func TestSendJobIgnoresUnknownJobID(t *testing.T) {
	b := broker.NewFake()
	jc := newTestJobCreator(t, b)

	jc.SendJob(context.Background(), "does-not-exist", jobdoc.AccountInfo{})
	assert.Empty(t, b.Published())
}

func TestHandleServiceMessageDispatchesJobDelete(t *testing.T) {
	b := broker.NewFake()
	jc := newTestJobCreator(t, b)

	require.NoError(t, jc.ProcessNewJob(context.Background(), testJobDoc()))
	var id string
	jc.mu.Lock()
	for k := range jc.pending {
		id = k
	}
	jc.mu.Unlock()

	body, err := json.Marshal(map[string]string{"job_delete": id})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "job_document", body))

	require.Eventually(t, func() bool {
		found := false
		for _, p := range b.Published() {
			if p.Exchange == "mash.obs" {
				found = true
			}
		}
		return found
	}, time.Second, 5*time.Millisecond)

	jc.mu.Lock()
	assert.Empty(t, jc.pending)
	jc.mu.Unlock()
}

func TestHandleListenerMessageRelaysAddAccount(t *testing.T) {
	b := broker.NewFake()
	relay := &fakeRelay{}
	cfg := Config{ServiceExchange: "mash.jobcreator", CredentialsExchange: "mash.credentials"}
	jc := New(cfg, Deps{Broker: b, AccountRelay: relay})
	require.NoError(t, jc.Start(context.Background()))

	msg := []byte(`{"provider":"ec2","account_name":"acnt1","requesting_user":"alice"}`)
	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "add_account", msg))

	require.Len(t, relay.added, 1)
	assert.Equal(t, msg, relay.added[0])
}

func TestHandleListenerMessageDropsInvalidAddAccount(t *testing.T) {
	b := broker.NewFake()
	relay := &fakeRelay{}
	cfg := Config{ServiceExchange: "mash.jobcreator", CredentialsExchange: "mash.credentials"}
	jc := New(cfg, Deps{Broker: b, AccountRelay: relay})
	require.NoError(t, jc.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "mash.jobcreator", "add_account", []byte(`{"provider":"ec2"}`)))
	assert.Empty(t, relay.added)
}

type fakeRelay struct {
	added   [][]byte
	deleted [][]byte
}

func (f *fakeRelay) AddAccount(ctx context.Context, raw []byte) error {
	f.added = append(f.added, raw)
	return nil
}

func (f *fakeRelay) DeleteAccount(ctx context.Context, raw []byte) error {
	f.deleted = append(f.deleted, raw)
	return nil
}
