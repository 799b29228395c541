package api

import "runtime"

const bytesPerMB = 1024 * 1024

// ProcessBlock reports the daemon's resource usage in the heartbeat.
type ProcessBlock struct {
	PID         int     `json:"pid"`
	Goroutines  int     `json:"goroutines"`
	HeapInuseMB float64 `json:"heap_inuse_mb"`
	SysMB       float64 `json:"sys_mb"`
	OpenFDs     int     `json:"open_fds"` // -1 if unavailable
	FDLimit     int     `json:"fd_limit"` // -1 if unavailable
	ConnsActive int64   `json:"connections_active"`
	ConnsTotal  int64   `json:"connections_total"`
}

// ConnCounter exposes the TLS listener's connection counters.
type ConnCounter interface {
	ConnectionsActive() int64
	ConnectionsTotal() int64
}

// SetConnections attaches the listener's counters after construction; the
// server is built from the API's handler, so it cannot be passed to New.
func (a *API) SetConnections(c ConnCounter) {
	a.conns = c
}

func (a *API) process() ProcessBlock {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	p := ProcessBlock{
		PID:         pid(),
		Goroutines:  runtime.NumGoroutine(),
		HeapInuseMB: float64(m.HeapInuse) / bytesPerMB,
		SysMB:       float64(m.Sys) / bytesPerMB,
		OpenFDs:     openFDs(),
		FDLimit:     fdLimit(),
	}
	if a.conns != nil {
		p.ConnsActive = a.conns.ConnectionsActive()
		p.ConnsTotal = a.conns.ConnectionsTotal()
	}
	return p
}
