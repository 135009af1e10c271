package scoutsync

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cached(url string, n int) CachedResponse {
	return CachedResponse{URL: url, Response: []byte(strings.Repeat("x", n)), CreatedAt: time.Now()}
}

func TestRAMCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newRAMCache(300, nil)
	for i := 0; i < 3; i++ {
		c.Put(cached(fmt.Sprintf("/u%d", i), 90))
	}
	require.Equal(t, 3, c.Len())

	// touch /u0 so /u1 becomes the oldest
	_, ok := c.Get("/u0")
	require.True(t, ok)
	c.Put(cached("/u3", 90))

	_, ok = c.Get("/u1")
	assert.False(t, ok)
	for _, u := range []string{"/u0", "/u2", "/u3"} {
		_, ok := c.Get(u)
		assert.True(t, ok, u)
	}
	assert.LessOrEqual(t, c.TotalSize(), int64(300))
}

func TestRAMCacheReplaceAdjustsSize(t *testing.T) {
	c := newRAMCache(0, nil)
	c.Put(cached("/a", 10))
	c.Put(cached("/a", 40))
	assert.Equal(t, 1, c.Len())
	assert.EqualValues(t, 42, c.TotalSize())

	c.Delete("/a")
	assert.Zero(t, c.Len())
	assert.Zero(t, c.TotalSize())
}

func TestRAMCacheSkipsOversizedEntries(t *testing.T) {
	c := newRAMCache(50, nil)
	c.Put(cached("/a", 10))
	c.Put(cached("/a", 100))
	_, ok := c.Get("/a")
	assert.False(t, ok, "an oversized update drops the stale copy")
	assert.Zero(t, c.TotalSize())
}

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.ObserveDispatch(DispatchResult{Delivered: true, Servers: []ServerResult{{OK: true}}}, 100)
	s.ObserveDispatch(DispatchResult{Servers: []ServerResult{{}}}, 300)
	s.ObserveDispatch(DispatchResult{Vanished: true}, 999)
	s.ObserveDispatch(DispatchResult{Err: ErrQueueClosed}, 50)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Dispatched)
	assert.EqualValues(t, 1, snap.Delivered)
	assert.EqualValues(t, 2, snap.Failed)
	assert.EqualValues(t, 1, snap.Vanished)
	assert.EqualValues(t, 100, snap.MinPayloadBytes)
	assert.EqualValues(t, 300, snap.MaxPayloadBytes)
	assert.EqualValues(t, 200, snap.AvgPayloadBytes)
}
