package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ushineko/netcert/internal/logbuf"
)

const (
	defaultLogLimit = 200
	logWriteTimeout = 5 * time.Second
)

// ListLogs returns buffered log entries, oldest first.
//
//	?level=debug|info|warn|error  minimum level (default info)
//	?network=<id>                 only entries about one network
//	?limit=<n>                    newest n entries (default 200)
func (a *API) ListLogs(w http.ResponseWriter, r *http.Request) {
	q, ok := logQuery(w, r)
	if !ok {
		return
	}
	entries := a.logs.Recent(q)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// StreamLogs upgrades to a websocket and sends the recent backlog followed
// by every new matching entry, one JSON object per message. Query
// parameters are those of ListLogs.
func (a *API) StreamLogs(w http.ResponseWriter, r *http.Request) {
	q, ok := logQuery(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "") //nolint:errcheck // no-op after a normal close

	// Subscribe before reading the backlog so nothing logged in between is lost.
	sub := a.logs.Subscribe(logbuf.Query{MinLevel: q.MinLevel, NetworkID: q.NetworkID})
	defer sub.Close()

	// Clients never send; CloseRead cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	for _, e := range a.logs.Recent(q) {
		if err := writeEntry(ctx, conn, e); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEntry(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, e logbuf.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, logWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

func logQuery(w http.ResponseWriter, r *http.Request) (logbuf.Query, bool) {
	q := logbuf.Query{
		MinLevel:  logbuf.ParseLevel(r.URL.Query().Get("level")),
		NetworkID: r.URL.Query().Get("network"),
		Limit:     defaultLogLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit: must be a positive integer")
			return q, false
		}
		q.Limit = n
	}
	return q, true
}
