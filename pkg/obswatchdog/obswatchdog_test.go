package obswatchdog

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/jobdoc"
	"github.com/3leaps/mash/pkg/jobstore"
	"github.com/3leaps/mash/pkg/provider"
)

type fakeProvider struct {
	objects   []provider.ObjectSummary
	manifests map[string][]byte
}

func (p *fakeProvider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return &provider.ListResult{Objects: p.objects}, nil
}

func (p *fakeProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b, ok := p.manifests[key]
	if !ok {
		return nil, 0, provider.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func TestWatchdogForwardsOnMatchAndDeletesNowJob(t *testing.T) {
	dir := t.TempDir()
	store := jobstore.New(dir)
	require.NoError(t, store.EnsureDir())

	doc := jobdoc.Document{
		ID:      "job-1",
		Cloud:   jobdoc.CloudEC2,
		Image:   "openssl-image",
		UTCTime: jobdoc.UTCTimeNow,
		Conditions: []jobdoc.Condition{
			{Package: "openssl", Version: "4.13.0", ConditionOp: ">="},
		},
	}
	require.NoError(t, store.Persist(doc.ID, doc))

	fp := &fakeProvider{
		objects:   []provider.ObjectSummary{{Key: "openssl-image/manifest.txt"}},
		manifests: map[string][]byte{"openssl-image/manifest.txt": []byte("openssl=4.13.1")},
	}

	b := broker.NewFake()
	w, err := New(Config{Stage: "obs", NextExchange: "mash.upload", PollInterval: time.Second}, Deps{
		Store:      store,
		Broker:     b,
		Repository: NewRepository(fp),
	})
	require.NoError(t, err)

	w.tick(context.Background())

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "mash.upload", published[0].Exchange)
	assert.Equal(t, "obs.job-1", published[0].RoutingKey)

	records, _ := store.ListAll()
	assert.Empty(t, records, "utctime=now job should be deleted after its first match")
}

func TestWatchdogKeepsNonStopJobAfterMatch(t *testing.T) {
	dir := t.TempDir()
	store := jobstore.New(dir)
	require.NoError(t, store.EnsureDir())

	doc := jobdoc.Document{
		ID:      "job-2",
		Cloud:   jobdoc.CloudEC2,
		Image:   "openssl-image",
		UTCTime: jobdoc.UTCTimeAlways,
		Conditions: []jobdoc.Condition{
			{Package: "openssl", Version: "4.13.0", ConditionOp: ">="},
		},
	}
	require.NoError(t, store.Persist(doc.ID, doc))

	fp := &fakeProvider{
		objects:   []provider.ObjectSummary{{Key: "openssl-image/manifest.txt"}},
		manifests: map[string][]byte{"openssl-image/manifest.txt": []byte("openssl=4.13.1")},
	}

	b := broker.NewFake()
	w, err := New(Config{Stage: "obs", NextExchange: "mash.upload", PollInterval: time.Second}, Deps{
		Store:      store,
		Broker:     b,
		Repository: NewRepository(fp),
	})
	require.NoError(t, err)

	w.tick(context.Background())

	records, _ := store.ListAll()
	assert.Len(t, records, 1, "utctime=always job persists across matches")
}

func TestWatchdogSkipsDisallowedPackage(t *testing.T) {
	dir := t.TempDir()
	store := jobstore.New(dir)
	require.NoError(t, store.EnsureDir())

	doc := jobdoc.Document{
		ID:               "job-3",
		Cloud:            jobdoc.CloudEC2,
		Image:            "openssl-image",
		UTCTime:          jobdoc.UTCTimeAlways,
		DisallowPackages: []string{"4.13.1"},
		Conditions: []jobdoc.Condition{
			{Package: "openssl", Version: "4.13.0", ConditionOp: ">="},
		},
	}
	require.NoError(t, store.Persist(doc.ID, doc))

	fp := &fakeProvider{
		objects:   []provider.ObjectSummary{{Key: "openssl-image/manifest.txt"}},
		manifests: map[string][]byte{"openssl-image/manifest.txt": []byte("openssl=4.13.1")},
	}

	b := broker.NewFake()
	w, err := New(Config{Stage: "obs", NextExchange: "mash.upload", PollInterval: time.Second}, Deps{
		Store:      store,
		Broker:     b,
		Repository: NewRepository(fp),
	})
	require.NoError(t, err)

	w.tick(context.Background())

	assert.Empty(t, b.Published())
}

func TestDueToPollRejectsInvalidISOInstant(t *testing.T) {
	w := &Watchdog{log: zap.NewNop()}
	_, err := w.dueToPoll(&jobdoc.Document{ID: "x", UTCTime: "not-a-time"})
	assert.Error(t, err)
}
