package jobstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID     string `json:"id"`
	Cloud  string `json:"cloud"`
	Status string `json:"status"`
}

func TestPersistGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	doc := testDoc{ID: "abc-123", Cloud: "ec2", Status: "running"}
	require.NoError(t, store.Persist(doc.ID, doc))

	var got testDoc
	require.NoError(t, store.Get(doc.ID, &got))
	assert.Equal(t, doc, got)

	if _, err := os.Stat(filepath.Join(dir, "job-abc-123.json")); err != nil {
		t.Fatalf("expected job file on disk: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := New(t.TempDir())
	var got testDoc
	err := store.Get("missing", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.Persist("x", testDoc{ID: "x"}))
	require.NoError(t, store.Delete("x"))
	require.NoError(t, store.Delete("x"))

	var got testDoc
	assert.ErrorIs(t, store.Get("x", &got), ErrNotFound)
}

func TestListAllSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	require.NoError(t, store.Persist("good-1", testDoc{ID: "good-1", Cloud: "gce"}))
	require.NoError(t, store.Persist("good-2", testDoc{ID: "good-2", Cloud: "azure"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-bad.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-job-file.txt"), []byte("irrelevant"), 0o644))

	records, errs := store.ListAll()
	require.Len(t, errs, 1)
	require.Len(t, records, 2)

	ids := map[string]bool{}
	for _, r := range records {
		ids[r.ID] = true
		var doc testDoc
		require.NoError(t, json.Unmarshal(r.Raw, &doc))
	}
	assert.True(t, ids["good-1"])
	assert.True(t, ids["good-2"])

	if _, err := os.Stat(filepath.Join(dir, "job-bad.json")); err != nil {
		t.Fatalf("corrupt file must not be deleted: %v", err)
	}
}

func TestListAllEmptyDirDoesNotExist(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "does-not-exist-yet"))
	records, errs := store.ListAll()
	assert.Nil(t, records)
	assert.Nil(t, errs)
}
