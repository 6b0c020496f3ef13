// Package health serves liveness, readiness and conversation-count probes.
package health

import (
	"encoding/json"
	"net/http"
)

// Counter reports how many conversations are live.
type Counter interface {
	Count() int
}

// StatusHandler answers GET /health with the live conversation count.
type StatusHandler struct {
	Sessions Counter
}

type statusResponse struct {
	Status              string `json:"status"`
	ActiveConversations int    `json:"active_conversations"`
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Status: "ok"}
	if h.Sessions != nil {
		resp.ActiveConversations = h.Sessions.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// LiveHandler answers GET /healthz while the process is up.
type LiveHandler struct{}

func (LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler answers GET /readyz. Every check must pass; a draining
// service reports itself not ready so load balancers stop routing to it.
type ReadyHandler struct {
	Checks map[string]func() error
}

type readyResponse struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{OK: true}
	for name, check := range h.Checks {
		if check == nil {
			continue
		}
		if err := check(); err != nil {
			resp.Issues = append(resp.Issues, name+": "+err.Error())
		}
	}
	status := http.StatusOK
	if len(resp.Issues) > 0 {
		resp.OK = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
