package scoutsync

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResubmitAllFlushesAndIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	srv.setStatus(http.StatusServiceUnavailable)
	st := openTestStore(t)
	q := newTestQueue(t, st, mustRegistry(t, srv.config(true, true)), QueueConfig{})
	r := NewResubmitter(st, q, testLogger())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		persistMatch(t, st, matchFor("2025miket", 100+i, CompLevelQual, i))
	}

	report, err := r.ResubmitAll(ctx, SubmissionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 3, report.Remaining)

	srv.setStatus(http.StatusOK)
	report, err = r.ResubmitAll(ctx, SubmissionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Delivered)
	assert.Zero(t, report.Remaining)

	before := srv.submits.Load()
	report, err = r.ResubmitAll(ctx, SubmissionFilter{})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, before, srv.submits.Load(), "nothing left to send")
}

func TestResubmitAllFiltersByEvent(t *testing.T) {
	srv := newFakeServer(t)
	st := openTestStore(t)
	q := newTestQueue(t, st, mustRegistry(t, srv.config(true, true)), QueueConfig{})
	r := NewResubmitter(st, q, testLogger())

	keep := persistMatch(t, st, matchFor("2025mijac", 33, CompLevelQual, 4))
	persistMatch(t, st, matchFor("2025miket", 254, CompLevelQual, 12))
	persistMatch(t, st, matchFor("2025miket", 254, CompLevelFinal, 1))

	report, err := r.ResubmitAll(context.Background(), SubmissionFilter{EventKey: "2025miket"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Delivered)
	assert.Zero(t, report.Remaining)

	assert.True(t, st.HasSubmission(keep.ID))
	n, err := st.CountSubmissions(SubmissionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResubmitAllJoinsInFlightDispatch(t *testing.T) {
	srv := newFakeServer(t)
	st := openTestStore(t)
	q := newTestQueue(t, st, mustRegistry(t, srv.config(true, true)), QueueConfig{})
	r := NewResubmitter(st, q, testLogger())

	srv.delay.Store(int64(200 * time.Millisecond))
	rec := persistMatch(t, st, sampleMatch())
	live := q.Enqueue(rec)

	report, err := r.ResubmitAll(context.Background(), SubmissionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Delivered)
	assert.True(t, waitResult(t, live).Delivered)
	assert.EqualValues(t, 1, srv.submits.Load(), "the flush rode along with the live dispatch")
}

func TestResubmitAllCancelled(t *testing.T) {
	srv := newFakeServer(t)
	st := openTestStore(t)
	q := newTestQueue(t, st, mustRegistry(t, srv.config(true, true)), QueueConfig{})
	r := NewResubmitter(st, q, testLogger())
	persistMatch(t, st, sampleMatch())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResubmitAll(ctx, SubmissionFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResubmitAllIsNotHeldByLiveSubmissions(t *testing.T) {
	srv := newFakeServer(t)
	srv.delay.Store(int64(40 * time.Millisecond))
	st := openTestStore(t)
	q := newTestQueue(t, st, mustRegistry(t, srv.config(true, true)), QueueConfig{Concurrency: 1})
	r := NewResubmitter(st, q, testLogger())

	stale := persistMatch(t, st, matchFor("2025mijac", 33, CompLevelQual, 4))
	live := persistMatch(t, st, matchFor("2025miket", 254, CompLevelQual, 1))

	// tablets keep submitting faster than the server answers
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for n := 2; ; n++ {
			select {
			case <-stop:
				return
			case <-tick.C:
			}
			m := matchFor("2025miket", 254, CompLevelQual, n)
			now := time.Now()
			rec := PendingSubmission{ID: testIDs.Make(now), Body: live.Body, Keys: m.Keys(), CreatedAt: now}
			if st.PutSubmission(rec) == nil {
				q.Enqueue(rec)
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := r.ResubmitAll(ctx, SubmissionFilter{EventKey: "none-pending"})
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	report, err = r.ResubmitAll(ctx, SubmissionFilter{EventKey: "2025mijac"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Delivered)
	assert.False(t, st.HasSubmission(stale.ID))
}
