// Package server mounts the control API and the two WebSocket
// endpoints, runs the scheduled maintenance, and fans gateway and
// approval events out to observers.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/discovery"
	"github.com/tetherlabs/tether/internal/events"
	"github.com/tetherlabs/tether/internal/gateway"
	"github.com/tetherlabs/tether/internal/handler"
	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/middleware"
	"github.com/tetherlabs/tether/internal/notify"
	"github.com/tetherlabs/tether/internal/svc"
)

// Options tunes how the server runs.
type Options struct {
	// Quiet suppresses request logging and startup messages.
	Quiet bool
}

// Run serves the control plane until ctx is cancelled. The caller owns
// the ServiceContext and closes it after Run returns.
func Run(ctx context.Context, svcCtx *svc.ServiceContext, opts Options) error {
	c := svcCtx.Config

	if err := checkPortAvailable(c.ListenAddr()); err != nil {
		return fmt.Errorf("port %d is already in use: %w", c.Port, err)
	}

	go svcCtx.Gateway.Run(ctx)
	go svcCtx.Hub.Run(ctx)

	unsubscribe := wireEvents(svcCtx)
	defer unsubscribe()

	// Pairing codes expire lazily on generate/verify; the cron purge
	// bounds how long a dead code lingers in memory between calls.
	cr := cron.New()
	if _, err := cr.AddFunc("@every 1m", func() {
		if n := svcCtx.Pairing.PurgeExpiredCodes(); n > 0 {
			logging.Debugf("[server] purged %d expired pairing codes", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule pairing-code purge: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	if c.Discovery.Enabled {
		adv := discovery.NewAdvertiser(discovery.Config{
			Port:    c.Port,
			Name:    c.Name,
			Version: svcCtx.Version,
		})
		if err := adv.Start(); err != nil {
			logging.Warnf("[server] mdns advertisement failed: %v", err)
		} else {
			defer adv.Stop()
			logging.Infof("[server] advertising %s on %s", c.Name, discovery.ServiceType)
		}
	}

	// Read and write timeouts are deliberately absent: they set
	// deadlines on the underlying net.Conn, which breaks hijacked
	// WebSocket connections. Liveness on those sockets is ping/pong.
	httpServer := &http.Server{
		Addr:        c.ListenAddr(),
		Handler:     newRouter(svcCtx, opts),
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if !opts.Quiet {
			logging.Infof("[server] listening on %s", c.ListenAddr())
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logging.Infof("[server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newRouter builds the chi router. Split out so tests can mount it on
// httptest without binding the configured port.
func newRouter(svcCtx *svc.ServiceContext, opts Options) http.Handler {
	r := chi.NewRouter()

	if !opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(corsMiddleware())

	r.Get("/healthz", handler.HealthHandler(svcCtx))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTMiddleware(svcCtx.Config.Auth.AccessSecret))

		r.Post("/pairing/code", handler.GenerateCodeHandler(svcCtx))

		r.Get("/devices", handler.ListDevicesHandler(svcCtx))
		r.Delete("/devices/{id}", handler.UnpairDeviceHandler(svcCtx))
		r.Post("/devices/{id}/commands", handler.SendCommandHandler(svcCtx))

		r.Post("/approvals", handler.RequestApprovalHandler(svcCtx))
		r.Get("/approvals/pending", handler.PendingApprovalsHandler(svcCtx))
		r.Get("/approvals/{id}", handler.CheckApprovalHandler(svcCtx))
		r.Post("/approvals/{id}/resolve", handler.ResolveApprovalHandler(svcCtx))
	})

	r.Get("/ws/device", handler.DeviceSocketHandler(svcCtx))
	r.Get("/ws/app", handler.ObserverSocketHandler(svcCtx))

	return r
}

// wireEvents subscribes the observer hub, the desktop alerts, and the
// log to the control-plane topics. Returns a func undoing all of it.
func wireEvents(svcCtx *svc.ServiceContext) func() {
	subs := []events.Subscription{
		events.Subscribe(svcCtx.Events, events.TopicDeviceConnected,
			func(_ context.Context, evt gateway.DeviceEvent) error {
				svcCtx.Hub.NotifyDeviceStatus(evt.DeviceID, evt.Name, "connected", "")
				return nil
			}),
		events.Subscribe(svcCtx.Events, events.TopicDeviceDisconnected,
			func(_ context.Context, evt gateway.DeviceEvent) error {
				svcCtx.Hub.NotifyDeviceStatus(evt.DeviceID, evt.Name, "disconnected", evt.Reason)
				return nil
			}),
		events.Subscribe(svcCtx.Events, events.TopicApprovalRequested,
			func(_ context.Context, req *approval.Request) error {
				svcCtx.Hub.NotifyApprovalRequest(req)
				if svcCtx.Config.Alerts.Desktop {
					notify.Send("Approval required",
						fmt.Sprintf("%s (%s)", req.Command, req.SecurityLevel))
				}
				logging.Infof("[server] approval requested: %s (%s)", req.ID, req.SecurityLevel)
				return nil
			}),
		events.Subscribe(svcCtx.Events, events.TopicApprovalResolved,
			func(_ context.Context, req *approval.Request) error {
				svcCtx.Hub.NotifySystemMessage("info",
					fmt.Sprintf("approval %s %s", req.ID, req.Status))
				logging.Infof("[server] approval %s resolved: %s", req.ID, req.Status)
				return nil
			}),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// corsMiddleware allows the observer apps to call the API from their
// own origins. Access control is the JWT, not the Origin header.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
