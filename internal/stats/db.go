package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// FileName is the stats database file inside the data directory.
const FileName = "stats.db"

const (
	hourFormat = "2006-01-02T15"

	// Fixed width so that text order is time order.
	eventTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	now       func() time.Time

	// lastHandshakes stores the cumulative snapshot from the previous flush
	// so we can compute deltas.
	lastHandshakes map[string]int64
}

// Open opens or creates a stats database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:           conn,
		collector:      collector,
		logger:         logger,
		interval:       flushInterval,
		done:           make(chan struct{}),
		now:            time.Now,
		lastHandshakes: make(map[string]int64),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush writes handshake deltas and pending events to SQLite. On failure
// nothing is committed and the events stay queued for the next flush.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	events := db.collector.takeEvents()
	current, err := db.flushLocked(events)
	if err != nil {
		db.collector.requeue(events)
		return err
	}
	db.lastHandshakes = current
	return nil
}

func (db *DB) flushLocked(events []Event) (current map[string]int64, err error) {
	hour := db.now().UTC().Truncate(time.Hour).Format(hourFormat)

	defer sqlitex.Save(db.conn)(&err)

	current = make(map[string]int64)
	for _, nc := range db.collector.SnapshotHandshakes() {
		current[nc.NetworkID] = nc.Count
		delta := nc.Count - db.lastHandshakes[nc.NetworkID]
		if delta == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO handshakes_hourly (hour, network_id, count)
			VALUES (?, ?, ?)
			ON CONFLICT (hour, network_id) DO UPDATE SET
				count = count + excluded.count
		`, &sqlitex.ExecOptions{
			Args: []any{hour, nc.NetworkID, delta},
		})
		if err != nil {
			return nil, fmt.Errorf("upsert handshakes_hourly: %w", err)
		}
	}

	for _, ev := range events {
		err = sqlitex.Execute(db.conn, `
			INSERT OR IGNORE INTO cert_events (id, network_id, kind, detail, at)
			VALUES (?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{ev.ID, ev.NetworkID, ev.Kind, ev.Detail, ev.At.UTC().Format(eventTimeFormat)},
		})
		if err != nil {
			return nil, fmt.Errorf("insert cert_events: %w", err)
		}
	}

	return current, nil
}

// HandshakesByNetwork returns total handshakes per network, merging DB
// totals with unflushed in-memory deltas, highest first.
func (db *DB) HandshakesByNetwork() []NetworkCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := make(map[string]int64)

	_ = sqlitex.Execute(db.conn, `
		SELECT network_id, SUM(count) FROM handshakes_hourly
		GROUP BY network_id
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			merged[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})

	for _, nc := range db.collector.SnapshotHandshakes() {
		if delta := nc.Count - db.lastHandshakes[nc.NetworkID]; delta > 0 {
			merged[nc.NetworkID] += delta
		}
	}

	return sortCounts(merged)
}

// HandshakesSince returns per-network handshakes recorded in flushed hours
// at or after since.
func (db *DB) HandshakesSince(since time.Time) []NetworkCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	sinceHour := since.UTC().Truncate(time.Hour).Format(hourFormat)
	counts := make(map[string]int64)
	_ = sqlitex.Execute(db.conn, `
		SELECT network_id, SUM(count) FROM handshakes_hourly
		WHERE hour >= ?
		GROUP BY network_id
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			counts[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	return sortCounts(counts)
}

// RecentEvents returns up to n events, newest first, including events not
// yet flushed. An empty networkID matches every network.
func (db *DB) RecentEvents(networkID string, n int) []Event {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []Event
	for _, ev := range db.collector.PendingEvents() {
		if networkID == "" || ev.NetworkID == networkID {
			out = append(out, ev)
		}
	}

	_ = sqlitex.Execute(db.conn, `
		SELECT id, network_id, kind, detail, at FROM cert_events
		WHERE ? = '' OR network_id = ?
		ORDER BY at DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{networkID, networkID, n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			at, err := time.Parse(eventTimeFormat, stmt.ColumnText(4))
			if err != nil {
				return fmt.Errorf("parse event time: %w", err)
			}
			out = append(out, Event{
				ID:        stmt.ColumnText(0),
				NetworkID: stmt.ColumnText(1),
				Kind:      stmt.ColumnText(2),
				Detail:    stmt.ColumnText(3),
				At:        at,
			})
			return nil
		},
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func sortCounts(m map[string]int64) []NetworkCount {
	out := make([]NetworkCount, 0, len(m))
	for id, count := range m {
		out = append(out, NetworkCount{NetworkID: id, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].NetworkID < out[j].NetworkID
	})
	return out
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS handshakes_hourly (
			hour       TEXT NOT NULL,
			network_id TEXT NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, network_id)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS cert_events (
			id         TEXT NOT NULL PRIMARY KEY,
			network_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			at         TEXT NOT NULL
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_handshakes_hourly_hour ON handshakes_hourly(hour);
		CREATE INDEX IF NOT EXISTS idx_cert_events_at ON cert_events(at);
		CREATE INDEX IF NOT EXISTS idx_cert_events_network ON cert_events(network_id);
	`, nil)
}
