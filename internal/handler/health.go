// Package handler serves the orchestrator-facing control API. Every
// handler is a closure over the ServiceContext.
package handler

import (
	"net/http"

	"github.com/tetherlabs/tether/internal/httputil"
	"github.com/tetherlabs/tether/internal/svc"
)

// HealthHandler reports liveness and the connected-device count.
func HealthHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]any{
			"status":            "ok",
			"version":           svcCtx.Version,
			"connected_devices": svcCtx.Gateway.ConnectedCount(),
		})
	}
}
