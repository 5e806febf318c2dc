// Package health serves liveness and readiness probes for the telemetry
// listener.
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered check passes.
//
// Responses are JSON with a top-level "status" and a per-check map.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/toolbridge/toolbridge/pkg/chat"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Check is a named dependency probe. Probe returns nil when the dependency
// can serve and must respect context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// ProviderCheck probes the chat backend.
func ProviderCheck(name string, p chat.Provider) Check {
	return Check{
		Name:  name,
		Probe: p.HealthCheck,
	}
}

// ToolServersCheck reports failure when fewer servers run than were
// configured. Zero configured servers always passes.
func ToolServersCheck(configured int, running func() int) Check {
	return Check{
		Name: "tool_servers",
		Probe: func(context.Context) error {
			if n := running(); n < configured {
				return fmt.Errorf("%d of %d tool servers running", n, configured)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates its checks on each /readyz request. The check list is
// fixed at construction; safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a [Handler] over the given checks, evaluated in order.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when every check passes, 503 otherwise, with the
// per-check outcomes in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ready := true

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Probe(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
