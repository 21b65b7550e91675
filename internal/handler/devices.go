package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/tetherlabs/tether/internal/httputil"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/svc"
)

// deviceView is a paired device as the API reports it: the bearer token
// never leaves the server, and connectivity comes from the gateway
// registry rather than the store.
type deviceView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	Capabilities []string  `json:"capabilities"`
	Connected    bool      `json:"connected"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListDevicesHandler returns all paired devices, most recently seen
// first.
func ListDevicesHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices, err := svcCtx.Pairing.PairedDevices(r.Context())
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}

		views := make([]deviceView, 0, len(devices))
		for _, d := range devices {
			views = append(views, deviceView{
				ID:           d.ID,
				Name:         d.Name,
				Platform:     d.Platform,
				Capabilities: d.Capabilities,
				Connected:    svcCtx.Gateway.IsDeviceConnected(d.ID),
				LastSeen:     d.LastSeen,
				CreatedAt:    d.CreatedAt,
			})
		}
		httputil.OkJSON(w, map[string]any{"devices": views})
	}
}

// UnpairDeviceHandler deletes a paired device and invalidates its
// token.
func UnpairDeviceHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "id")
		if err := svcCtx.Pairing.UnpairDevice(r.Context(), id); err != nil {
			if errors.Is(err, pairing.ErrDeviceNotFound) {
				httputil.NotFound(w, "unknown device")
				return
			}
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"unpaired": id})
	}
}
