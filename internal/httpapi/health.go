package httpapi

import (
	"net/http"

	"pkt.systems/hellofn/internal/storage"
)

// ReadyResponse reports which dependencies are usable.
type ReadyResponse struct {
	Status   string         `json:"status"`
	Storage  string         `json:"storage"`
	Database string         `json:"database,omitempty"`
	Pool     *PoolStatsBody `json:"pool,omitempty"`
}

// PoolStatsBody mirrors database.Stats on the wire.
type PoolStatsBody struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return httpError{Status: http.StatusMethodNotAllowed, Detail: "method not allowed: use GET"}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return httpError{Status: http.StatusMethodNotAllowed, Detail: "method not allowed: use GET"}
	}
	resp := ReadyResponse{Status: "ready", Storage: storage.Describe(h.store)}
	status := http.StatusOK
	if h.store == nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	switch {
	case h.db != nil:
		resp.Database = "configured"
		if sr, ok := h.db.(statReporter); ok {
			s := sr.Stat()
			resp.Pool = &PoolStatsBody{Acquired: s.Acquired, Idle: s.Idle, Total: s.Total, Max: s.Max}
		}
	case h.dbRequired:
		resp.Database = "missing"
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
	return nil
}
