package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tetherlabs/tether/internal/command"
	"github.com/tetherlabs/tether/internal/gateway"
	"github.com/tetherlabs/tether/internal/httputil"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/svc"
)

type sendCommandRequest struct {
	DeviceID string          `path:"id"`
	Action   string          `json:"action"`
	Params   json.RawMessage `json:"params"`
}

// SendCommandHandler dispatches a command to a connected device and
// blocks until the correlated response or the timeout. An unknown
// device is 404, a paired-but-offline device 409, a device that never
// answers 504, and a device-reported failure 502.
func SendCommandHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendCommandRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Action == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "action is required")
			return
		}

		if _, err := svcCtx.Pairing.GetDevice(r.Context(), req.DeviceID); err != nil {
			if errors.Is(err, pairing.ErrDeviceNotFound) {
				httputil.NotFound(w, "unknown device")
				return
			}
			httputil.InternalError(w, err.Error())
			return
		}

		result, err := svcCtx.Commands.Send(r.Context(), req.DeviceID, req.Action, req.Params)
		if err != nil {
			svcCtx.Hub.NotifyTaskComplete(req.DeviceID, req.Action, false, err.Error())
			writeCommandError(w, err)
			return
		}

		svcCtx.Hub.NotifyTaskComplete(req.DeviceID, req.Action, true, "")
		httputil.OkJSON(w, map[string]any{
			"device_id": req.DeviceID,
			"action":    req.Action,
			"result":    result,
		})
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	var timeoutErr *command.TimeoutError
	var cmdErr *command.CommandError
	switch {
	case errors.Is(err, gateway.ErrDeviceNotConnected), errors.Is(err, gateway.ErrDeviceUnavailable):
		httputil.ErrorWithCode(w, http.StatusConflict, err.Error())
	case errors.As(err, &timeoutErr):
		httputil.ErrorWithCode(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &cmdErr):
		httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, command.ErrCancelled):
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalError(w, err.Error())
	}
}
