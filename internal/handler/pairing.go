package handler

import (
	"net/http"

	"github.com/tetherlabs/tether/internal/httputil"
	"github.com/tetherlabs/tether/internal/svc"
)

// GenerateCodeHandler issues a one-time pairing code for a new device.
func GenerateCodeHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, svcCtx.Pairing.GenerateCode())
	}
}
