package stats_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/netcert/internal/certmgr"
	"github.com/ushineko/netcert/internal/stats"
)

var _ certmgr.Recorder = (*stats.Collector)(nil)

func TestCollector_RecordHandshake(t *testing.T) {
	c := stats.NewCollector()

	c.RecordHandshake("net-10-0-0-0")
	c.RecordHandshake("net-10-0-0-0")
	c.RecordHandshake("net-192-168-1-0")

	assert.Equal(t, int64(3), c.TotalHandshakes())
	assert.Equal(t, []stats.NetworkCount{
		{NetworkID: "net-10-0-0-0", Count: 2},
		{NetworkID: "net-192-168-1-0", Count: 1},
	}, c.SnapshotHandshakes())
}

func TestCollector_ConcurrentHandshakes(t *testing.T) {
	c := stats.NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordHandshake("net-10-0-0-0")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), c.TotalHandshakes())
}

func TestCollector_RecordEvent(t *testing.T) {
	c := stats.NewCollector()
	c.RecordEvent("net-10-0-0-0", certmgr.EventIssued, "10.0.0.5")
	c.RecordEvent("net-10-0-0-0", certmgr.EventRelabeled, "office")

	events := c.PendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, certmgr.EventIssued, events[0].Kind)
	assert.Equal(t, "10.0.0.5", events[0].Detail)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.False(t, events[0].At.IsZero())
}

func _openTestDB(t *testing.T) (*stats.DB, *stats.Collector) {
	t.Helper()
	collector := stats.NewCollector()
	logger := slog.Default()
	db, err := stats.Open(":memory:", collector, logger, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, collector
}

func TestDB_FlushHandshakes(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordHandshake("net-10-0-0-0")
	collector.RecordHandshake("net-10-0-0-0")
	collector.RecordHandshake("net-172-16-0-0")
	require.NoError(t, db.Flush())

	got := db.HandshakesSince(time.Now().Add(-24 * time.Hour))
	assert.Equal(t, []stats.NetworkCount{
		{NetworkID: "net-10-0-0-0", Count: 2},
		{NetworkID: "net-172-16-0-0", Count: 1},
	}, got)

	assert.Empty(t, db.HandshakesSince(time.Now().Add(24*time.Hour)))
}

func TestDB_FlushMultipleTimes(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordHandshake("net-10-0-0-0")
	require.NoError(t, db.Flush())

	// Second handshake + flush: should add delta, not cumulative.
	collector.RecordHandshake("net-10-0-0-0")
	require.NoError(t, db.Flush())
	require.NoError(t, db.Flush())

	got := db.HandshakesSince(time.Now().Add(-24 * time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Count, "DB should have exactly 2 handshakes")
}

func TestDB_HandshakesByNetworkMergesUnflushed(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordHandshake("net-10-0-0-0")
	require.NoError(t, db.Flush())

	collector.RecordHandshake("net-10-0-0-0")
	collector.RecordHandshake("net-10-0-0-0")
	collector.RecordHandshake("net-192-168-1-0")

	merged := db.HandshakesByNetwork()
	require.Len(t, merged, 2)
	assert.Equal(t, "net-10-0-0-0", merged[0].NetworkID)
	assert.Equal(t, int64(3), merged[0].Count, "merged count should be DB + unflushed delta")
	assert.Equal(t, int64(1), merged[1].Count)
}

func TestDB_Events(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordEvent("net-10-0-0-0", certmgr.EventIssued, "10.0.0.5")
	collector.RecordEvent("net-192-168-1-0", certmgr.EventIssued, "192.168.1.5")
	require.NoError(t, db.Flush())
	assert.Empty(t, collector.PendingEvents(), "flush drains the queue")

	collector.RecordEvent("net-10-0-0-0", certmgr.EventRevoked, "")

	all := db.RecentEvents("", 10)
	require.Len(t, all, 3, "pending and flushed events are both visible")

	mine := db.RecentEvents("net-10-0-0-0", 10)
	require.Len(t, mine, 2)
	kinds := []string{mine[0].Kind, mine[1].Kind}
	assert.ElementsMatch(t, []string{certmgr.EventIssued, certmgr.EventRevoked}, kinds)

	require.NoError(t, db.Flush())
	require.NoError(t, db.Flush())
	assert.Len(t, db.RecentEvents("", 10), 3, "events are written once")
	assert.Len(t, db.RecentEvents("", 2), 2)
}

func TestDB_PersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/" + stats.FileName
	collector := stats.NewCollector()
	db, err := stats.Open(path, collector, slog.Default(), time.Minute)
	require.NoError(t, err)

	collector.RecordHandshake("net-10-0-0-0")
	collector.RecordEvent("net-10-0-0-0", certmgr.EventIssued, "10.0.0.5")
	require.NoError(t, db.Close(), "close performs a final flush")

	db2, err := stats.Open(path, stats.NewCollector(), slog.Default(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	counts := db2.HandshakesByNetwork()
	require.Len(t, counts, 1)
	assert.Equal(t, int64(1), counts[0].Count)

	events := db2.RecentEvents("", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "10.0.0.5", events[0].Detail)
}

func TestDB_StartFlushesOnTicker(t *testing.T) {
	collector := stats.NewCollector()
	db, err := stats.Open(":memory:", collector, slog.Default(), 10*time.Millisecond)
	require.NoError(t, err)
	db.Start()
	t.Cleanup(func() { _ = db.Close() })

	collector.RecordEvent("net-10-0-0-0", certmgr.EventIssued, "")
	require.Eventually(t, func() bool {
		return len(collector.PendingEvents()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
