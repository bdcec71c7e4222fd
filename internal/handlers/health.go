package handlers

import (
	"net/http"
	"time"

	"github.com/tryloop/demobroker/internal/kv"
	"github.com/tryloop/demobroker/internal/ledger"
	"github.com/tryloop/demobroker/internal/queue"
	"github.com/tryloop/demobroker/internal/sandbox"
	"github.com/tryloop/demobroker/internal/session"
)

// Wired from the serve command during startup. Runtime stays nil when
// the Docker daemon was unreachable at boot; health then reports the
// sandbox backend as down instead of failing outright.
var (
	KV      kv.Store
	Queue   *queue.Manager
	Runtime *sandbox.Runtime
	Ledger  *ledger.Ledger
)

type healthResponse struct {
	Status      string               `json:"status"`
	KV          string               `json:"kv"`
	Ledger      string               `json:"ledger"`
	Sandbox     string               `json:"sandbox"`
	QueueSize   int                  `json:"queue_size"`
	Slot        session.Snapshot     `json:"slot"`
	Transitions []session.Transition `json:"recent_transitions,omitempty"`
}

// HealthCheck reports broker liveness plus the reachability of its
// external collaborators. Degraded backends turn the status to
// "degraded" but keep the response 200; orchestration treats only a
// dead process as unhealthy.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeoutCtx(r, 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		KV:        "ok",
		Ledger:    "ok",
		Sandbox:   "ok",
		QueueSize: Queue.Len(),
		Slot:      Supervisor.Snapshot(),
	}

	if err := KV.Ping(ctx); err != nil {
		resp.KV = "unreachable"
		resp.Status = "degraded"
	}
	if err := Ledger.Ping(ctx); err != nil {
		resp.Ledger = "unreachable"
		resp.Status = "degraded"
	}
	if Runtime == nil {
		resp.Sandbox = "unavailable"
		resp.Status = "degraded"
	} else if err := Runtime.Ping(ctx); err != nil {
		resp.Sandbox = "unreachable"
		resp.Status = "degraded"
	}

	if r.URL.Query().Get("verbose") == "true" {
		resp.Transitions = Supervisor.Transitions()
	}

	writeJSON(w, http.StatusOK, resp)
}
