package scoutsync

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchFor(event string, team int, level CompLevel, n int) Match {
	m := sampleMatch()
	m.EventKey = event
	m.Team = team
	m.CompLevel = level
	m.Match = n
	return m
}

func TestStoreSubmissionLifecycle(t *testing.T) {
	st := openTestStore(t)
	rec := persistMatch(t, st, sampleMatch())

	got, ok, err := st.GetSubmission(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Keys, got.Keys)
	assert.Equal(t, rec.Body, got.Body)
	assert.True(t, st.HasSubmission(rec.ID))

	deleted, err := st.DeleteIfPresent(rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, st.HasSubmission(rec.ID))

	deleted, err = st.DeleteIfPresent(rec.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete finds nothing")

	n, err := st.CountSubmissions(SubmissionFilter{EventKey: rec.Keys.EventKey})
	require.NoError(t, err)
	assert.Zero(t, n, "index entry is removed with the record")
}

func TestStoreScanFilterAndOrder(t *testing.T) {
	st := openTestStore(t)
	a := persistMatch(t, st, matchFor("2025miket", 254, CompLevelQual, 1))
	b := persistMatch(t, st, matchFor("2025milan", 33, CompLevelQual, 2))
	c := persistMatch(t, st, matchFor("2025miket", 2122, CompLevelFinal, 1))

	var ids []string
	require.NoError(t, st.ScanSubmissions(SubmissionFilter{}, func(rec PendingSubmission) error {
		ids = append(ids, rec.ID)
		return nil
	}))
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids)

	ids = nil
	require.NoError(t, st.ScanSubmissions(SubmissionFilter{EventKey: "2025miket"}, func(rec PendingSubmission) error {
		ids = append(ids, rec.ID)
		return nil
	}))
	assert.Equal(t, []string{a.ID, c.ID}, ids)

	n, err := st.CountSubmissions(SubmissionFilter{EventKey: "2025miket", CompLevel: CompLevelFinal})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.CountSubmissions(SubmissionFilter{Team: 33})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreScanSkipsRecordsDeletedMidScan(t *testing.T) {
	for name, filter := range map[string]SubmissionFilter{
		"all":   {},
		"event": {EventKey: "2025miket"},
	} {
		t.Run(name, func(t *testing.T) {
			st := openTestStore(t)
			a := persistMatch(t, st, matchFor("2025miket", 254, CompLevelQual, 1))
			b := persistMatch(t, st, matchFor("2025miket", 254, CompLevelQual, 2))

			var seen []string
			err := st.ScanSubmissions(filter, func(rec PendingSubmission) error {
				seen = append(seen, rec.ID)
				if rec.ID == a.ID {
					_, err := st.DeleteIfPresent(b.ID)
					return err
				}
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{a.ID}, seen)
		})
	}
}

func TestStoreCachedPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "leveldb")
	st, err := OpenStore(dir)
	require.NoError(t, err)

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.PutCached(CachedResponse{URL: "/event/2025miket", Response: []byte(`{"a":1}`), CreatedAt: created}))
	require.NoError(t, st.Close())

	st, err = OpenStore(dir)
	require.NoError(t, err)
	defer st.Close()

	ent, ok, err := st.GetCached("/event/2025miket")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(ent.Response))
	assert.True(t, created.Equal(ent.CreatedAt))

	urls, err := st.CachedURLs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/event/2025miket"}, urls)

	_, ok, err = st.GetCached("/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSubmissionWritesAreSynced(t *testing.T) {
	require.True(t, syncWrite.Sync, "pending submissions are fsynced before PutSubmission returns")

	dir := filepath.Join(t.TempDir(), "leveldb")
	st, err := OpenStore(dir)
	require.NoError(t, err)
	rec := persistMatch(t, st, sampleMatch())
	require.NoError(t, st.Close())

	st, err = OpenStore(dir)
	require.NoError(t, err)
	defer st.Close()
	got, ok, err := st.GetSubmission(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Body, got.Body)
}
