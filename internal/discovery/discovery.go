// Package discovery advertises the daemon on the local network over
// mDNS/DNS-SD so device agents can find it without a configured
// address. Opt-in: discovery reveals presence only, pairing codes are
// still required to connect.
package discovery

import (
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type device agents browse for.
const ServiceType = "_tether._tcp"

// Config holds the advertisement parameters.
type Config struct {
	// Port is the daemon's listen port.
	Port int
	// Name is the advertised instance name; the hostname when empty.
	Name string
	// Version goes into the TXT record for compatibility checks.
	Version string
}

// Advertiser manages the mDNS registration.
type Advertiser struct {
	config Config

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser; nothing is announced until
// Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling Start on a running advertiser
// is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "tether"
		} else {
			name = hostname
		}
	}

	txt := []string{
		fmt.Sprintf("version=%s", a.config.Version),
		fmt.Sprintf("name=%s", name),
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or on an
// advertiser that never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the advertisement is active.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}
