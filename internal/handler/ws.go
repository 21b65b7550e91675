package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/middleware"
	"github.com/tetherlabs/tether/internal/realtime"
	"github.com/tetherlabs/tether/internal/svc"
)

var observerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers authenticate with a JWT; the Origin header is not the
	// access control here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// DeviceSocketHandler is the gateway's device WebSocket endpoint.
func DeviceSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.Gateway.HandleDevice
}

// ObserverSocketHandler upgrades a UI observer connection. The
// control-surface JWT is required up front; device pairing tokens are
// not accepted here.
func ObserverSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := middleware.TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		claims, err := middleware.ValidateJWT(tokenString, svcCtx.Config.Auth.AccessSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject, _ := claims.GetSubject()

		conn, err := observerUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Errorf("[handler] observer upgrade: %v", err)
			return
		}

		clientID := "observer-" + uuid.New().String()[:8]
		logging.Debugf("[handler] observer %s connected (subject=%s)", clientID, subject)
		realtime.ServeWS(svcCtx.Hub, conn, clientID, subject)
	}
}
