package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ushineko/netcert/internal/certstore"
	"github.com/ushineko/netcert/internal/pki"
	"github.com/ushineko/netcert/internal/stats"
	"github.com/ushineko/netcert/internal/version"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
	maxBodyBytes      = 4 << 10
)

// HeartbeatResponse is the JSON returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status          string       `json:"status"`
	Service         string       `json:"service"`
	Version         string       `json:"version"`
	Instance        string       `json:"instance"`
	InstanceID      string       `json:"instance_id"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	Networks        int          `json:"networks"`
	MaxNetworks     int          `json:"max_networks"`
	CAFingerprint   string       `json:"ca_fingerprint,omitempty"`
	CANotAfter      string       `json:"ca_not_after,omitempty"`
	HandshakesTotal int64        `json:"handshakes_total"`
	Process         ProcessBlock `json:"process"`
}

// Heartbeat reports liveness. Status is "degraded" while no CA is loaded,
// since no certificate can be issued.
func (a *API) Heartbeat(w http.ResponseWriter, _ *http.Request) {
	resp := HeartbeatResponse{
		Status:        "ok",
		Service:       "netcertd",
		Version:       version.Info().Version,
		Instance:      a.identity.Name,
		InstanceID:    a.identity.ID,
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Networks:      len(a.mgr.ListNetworks()),
		MaxNetworks:   a.mgr.MaxNetworks(),
		Process:       a.process(),
	}
	if ca := a.mgr.CA(); ca != nil {
		resp.CAFingerprint = ca.Fingerprint
		resp.CANotAfter = ca.NotAfter.UTC().Format(time.RFC3339)
	} else {
		resp.Status = "degraded"
	}
	if a.stats != nil {
		for _, nc := range a.stats.HandshakesByNetwork() {
			resp.HandshakesTotal += nc.Count
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CACertificate serves the CA certificate in PEM form.
func (a *API) CACertificate(w http.ResponseWriter, _ *http.Request) {
	ca := a.mgr.CA()
	if ca == nil {
		mapError(w, pki.ErrCANotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.crt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ca.CertPEM)
}

// ListNetworks returns every network, most recently used first.
func (a *API) ListNetworks(w http.ResponseWriter, _ *http.Request) {
	list := a.mgr.ListNetworks()
	if list == nil {
		list = []*certstore.Metadata{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetNetwork returns one network.
func (a *API) GetNetwork(w http.ResponseWriter, r *http.Request) {
	meta, err := a.mgr.Network(chi.URLParam(r, "networkID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// EnsureNetworkRequest is the body of POST /networks.
type EnsureNetworkRequest struct {
	IP string `json:"ip"`
}

// EnsureNetwork provisions the network an address belongs to.
func (a *API) EnsureNetwork(w http.ResponseWriter, r *http.Request) {
	var req EnsureNetworkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ip := strings.TrimSpace(req.IP)
	if _, err := netip.ParseAddr(ip); err != nil && ip != "localhost" {
		writeError(w, http.StatusBadRequest, "ip: must be an IP address or localhost")
		return
	}

	id, err := a.mgr.EnsureNetworkCert(r.Context(), ip)
	if err != nil {
		mapError(w, err)
		return
	}
	meta, err := a.mgr.Network(id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// RegenerateNetwork re-issues a network's certificate and hot-reloads it.
func (a *API) RegenerateNetwork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "networkID")
	if err := a.mgr.RegenerateNetwork(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	if err := a.mgr.ReloadCertificate(id); err != nil {
		mapError(w, err)
		return
	}
	a.writeNetwork(w, id)
}

// ReloadNetwork reloads a network's certificate from disk.
func (a *API) ReloadNetwork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "networkID")
	if err := a.mgr.ReloadCertificate(id); err != nil {
		mapError(w, err)
		return
	}
	a.writeNetwork(w, id)
}

// LabelRequest is the body of PUT /networks/{id}/label.
type LabelRequest struct {
	Label string `json:"label"`
}

// UpdateLabel renames a network.
func (a *API) UpdateLabel(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	label := strings.TrimSpace(req.Label)
	if label == "" {
		writeError(w, http.StatusBadRequest, "label: must not be empty")
		return
	}
	id := chi.URLParam(r, "networkID")
	if err := a.mgr.UpdateLabel(id, label); err != nil {
		mapError(w, err)
		return
	}
	a.writeNetwork(w, id)
}

// RevokeNetwork deletes a network and its certificate.
func (a *API) RevokeNetwork(w http.ResponseWriter, r *http.Request) {
	if err := a.mgr.RevokeNetwork(chi.URLParam(r, "networkID")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEvents returns recent certificate lifecycle events.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	if a.stats == nil {
		writeError(w, http.StatusNotFound, "statistics are disabled")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit: must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	events := a.stats.RecentEvents(r.URL.Query().Get("network"), limit)
	if events == nil {
		events = []stats.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StatsResponse is the JSON returned by GET /stats.
type StatsResponse struct {
	HandshakesTotal int64                `json:"handshakes_total"`
	Networks        []stats.NetworkCount `json:"networks"`
}

// Stats returns handshake counts per network.
func (a *API) Stats(w http.ResponseWriter, _ *http.Request) {
	if a.stats == nil {
		writeError(w, http.StatusNotFound, "statistics are disabled")
		return
	}
	resp := StatsResponse{Networks: a.stats.HandshakesByNetwork()}
	if resp.Networks == nil {
		resp.Networks = []stats.NetworkCount{}
	}
	for _, nc := range resp.Networks {
		resp.HandshakesTotal += nc.Count
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeNetwork(w http.ResponseWriter, id string) {
	meta, err := a.mgr.Network(id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
