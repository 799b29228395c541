package logbuf

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logN(t *testing.T, h slog.Handler, n int, level slog.Level, attrs ...slog.Attr) {
	t.Helper()
	for i := 0; i < n; i++ {
		r := slog.NewRecord(time.Now(), level, "msg", 0)
		r.AddAttrs(slog.Int("i", i))
		r.AddAttrs(attrs...)
		require.NoError(t, h.Handle(context.Background(), r))
	}
}

func TestBuffer_Wrap(t *testing.T) {
	buf := New(3)
	logN(t, buf.Handler(slog.LevelDebug), 5, slog.LevelInfo)

	entries := buf.Recent(Query{MinLevel: slog.LevelDebug})
	require.Len(t, entries, 3)
	assert.Equal(t, 3, buf.Len())
	// Oldest first: the last three writes.
	assert.Equal(t, int64(2), entries[0].Attrs["i"])
	assert.Equal(t, int64(3), entries[1].Attrs["i"])
	assert.Equal(t, int64(4), entries[2].Attrs["i"])
}

func TestBuffer_Query(t *testing.T) {
	buf := New(20)
	h := buf.Handler(slog.LevelDebug)

	logN(t, h, 2, slog.LevelDebug)
	logN(t, h, 3, slog.LevelInfo, slog.String("network_id", "net-10-0-0-0"))
	logN(t, h, 1, slog.LevelWarn, slog.String("network_id", "net-192-168-1-0"))
	logN(t, h, 1, slog.LevelError)

	assert.Len(t, buf.Recent(Query{MinLevel: slog.LevelDebug}), 7)
	assert.Len(t, buf.Recent(Query{MinLevel: slog.LevelWarn}), 2)
	assert.Len(t, buf.Recent(Query{NetworkID: "net-10-0-0-0"}), 3)

	limited := buf.Recent(Query{NetworkID: "net-10-0-0-0", Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, int64(1), limited[0].Attrs["i"], "limit keeps the newest")
	assert.Equal(t, "net-10-0-0-0", limited[0].NetworkID)
	assert.NotContains(t, limited[0].Attrs, "network_id")
}

func TestHandler_Level(t *testing.T) {
	buf := New(10)
	logger := slog.New(buf.Handler(slog.LevelInfo))

	logger.Debug("dropped")
	logger.Info("kept")

	entries := buf.Recent(Query{MinLevel: slog.LevelDebug})
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func TestHandler_AttrsAndGroups(t *testing.T) {
	buf := New(10)
	logger := slog.New(buf.Handler(nil)).
		With("network_id", "net-10-0-0-0").
		WithGroup("leaf").
		With("serial", "42")

	logger.Warn("issue failed", "error", errors.New("boom"))

	entries := buf.Recent(Query{})
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "net-10-0-0-0", e.NetworkID)
	assert.Equal(t, "42", e.Attrs["leaf.serial"])
	assert.Equal(t, "boom", e.Attrs["leaf.error"])
	assert.Equal(t, slog.LevelWarn, e.Level)
}

func TestSubscribe(t *testing.T) {
	buf := New(10)
	logger := slog.New(buf.Handler(slog.LevelDebug))

	sub := buf.Subscribe(Query{MinLevel: slog.LevelInfo, NetworkID: "net-10-0-0-0"})
	defer sub.Close()

	logger.Debug("too low", "network_id", "net-10-0-0-0")
	logger.Info("other network", "network_id", "net-172-16-0-0")
	logger.Info("certificate issued", "network_id", "net-10-0-0-0")

	select {
	case e := <-sub.C:
		assert.Equal(t, "certificate issued", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected entry %q", e.Message)
	default:
	}
}

func TestSubscribe_CloseStopsDelivery(t *testing.T) {
	buf := New(10)
	logger := slog.New(buf.Handler(slog.LevelDebug))

	sub := buf.Subscribe(Query{})
	sub.Close()
	sub.Close()

	logger.Info("after close")
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestSubscribe_SlowReaderDoesNotBlock(t *testing.T) {
	buf := New(10)
	logger := slog.New(buf.Handler(slog.LevelDebug))
	sub := buf.Subscribe(Query{})
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			logger.Info("flood")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logging blocked on a slow subscriber")
	}
	assert.Len(t, sub.C, 256)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
