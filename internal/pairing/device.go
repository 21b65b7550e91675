package pairing

import (
	"context"
	"time"
)

// Device is a paired remote device. The token is the long-lived bearer
// secret the device presents on reconnect; it stays valid until the
// device is unpaired.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	Token        string    `json:"token,omitempty"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterParams describes a device being paired for the first time.
type RegisterParams struct {
	Name         string   `json:"name"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// DeviceUpdate is a partial mutation. Nil fields are left untouched.
type DeviceUpdate struct {
	Name         *string
	Capabilities []string
	LastSeen     *time.Time
}

// DeviceStore persists paired devices. Implementations must keep the
// token column unique and return ErrDeviceNotFound on missing rows.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceByToken(ctx context.Context, token string) (*Device, error)
	// ListDevices returns all paired devices, most recently seen first.
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) error
	DeleteDevice(ctx context.Context, id string) error
}
