// Package svc wires the control plane together: one ServiceContext
// built at process start and passed by reference to every handler, so
// no component hides behind package-global state.
package svc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/command"
	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/db"
	"github.com/tetherlabs/tether/internal/events"
	"github.com/tetherlabs/tether/internal/gateway"
	"github.com/tetherlabs/tether/internal/logging"
	"github.com/tetherlabs/tether/internal/pairing"
	"github.com/tetherlabs/tether/internal/realtime"
)

// ServiceContext carries the configuration, the store, and the five
// control-plane components.
type ServiceContext struct {
	Config  *config.Config
	Version string

	DB     *db.Store
	Events *events.Subject

	Pairing   *pairing.Manager
	Gateway   *gateway.Gateway
	Commands  *command.Manager
	Approvals *approval.Gate
	Hub       *realtime.Hub
}

// NewServiceContext opens the database and builds every component.
// Gateway.Run and Hub.Run still need goroutines; the server starts
// them.
func NewServiceContext(c *config.Config) (*ServiceContext, error) {
	if dir := filepath.Dir(c.Database.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	store, err := db.NewSQLite(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logging.Infof("[svc] database ready at %s", c.Database.Path)

	subject := events.NewSubject()

	pairingMgr := pairing.NewManager(pairing.Options{
		Store:   store,
		CodeTTL: c.PairingCodeTTL(),
	})

	gw := gateway.New(gateway.Options{
		Pairing:           pairingMgr,
		Events:            subject,
		HeartbeatInterval: c.HeartbeatInterval(),
	})

	commands := command.NewManager(command.Options{
		Gateway: gw,
		Timeout: c.CommandTimeout(),
	})
	gw.SetResponseHandler(commands.HandleResponse)

	gate := approval.NewGate(approval.Options{
		Store: store,
		TTL:   c.ApprovalTTL(),
	})
	gate.Start()

	return &ServiceContext{
		Config:    c,
		DB:        store,
		Events:    subject,
		Pairing:   pairingMgr,
		Gateway:   gw,
		Commands:  commands,
		Approvals: gate,
		Hub:       realtime.NewHub(),
	}, nil
}

// Close tears the components down in dependency order: in-flight
// commands first so their futures settle before the sockets go away.
func (svc *ServiceContext) Close() {
	svc.Commands.CancelAll()
	svc.Gateway.Close()
	svc.Hub.Close()
	svc.Approvals.Close()
	events.Complete(svc.Events)
	if err := svc.DB.Close(); err != nil {
		logging.Errorf("[svc] close database: %v", err)
	}
	logging.Infof("[svc] service context closed")
}
