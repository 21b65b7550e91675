// Package pairing bootstraps device trust: short-lived one-time numeric
// codes handed to the user out of band, exchanged for a long-lived
// bearer token when the device first connects.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/internal/logging"
)

var (
	// ErrCodeNotFound means the pairing code is unknown, already used,
	// or expired. Callers cannot tell these apart.
	ErrCodeNotFound = errors.New("pairing code not found")

	// ErrDeviceNotFound means no paired device matches the id or token.
	ErrDeviceNotFound = errors.New("device not found")
)

const (
	// DefaultCodeTTL bounds how long a pairing code stays redeemable.
	DefaultCodeTTL = 5 * time.Minute

	tokenBytes = 32
)

// Code is a freshly generated pairing code.
type Code struct {
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// Options configures a Manager.
type Options struct {
	Store   DeviceStore
	CodeTTL time.Duration
	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

// Manager issues one-time pairing codes and owns the paired-device
// records. Codes live in memory only; devices persist in the store.
type Manager struct {
	store   DeviceStore
	codeTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	codes map[string]time.Time // code -> expiry
}

// NewManager creates a pairing manager.
func NewManager(opts Options) *Manager {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:   opts.Store,
		codeTTL: opts.CodeTTL,
		now:     opts.Now,
		codes:   make(map[string]time.Time),
	}
}

// GenerateCode draws a new 6-digit code and stores it with the
// configured TTL. Expired codes are purged first. Collisions with
// another active code are not checked; the second draw replaces the
// first entry.
func (m *Manager) GenerateCode() Code {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.purgeLocked(now)

	code := fmt.Sprintf("%06d", 100000+mrand.IntN(900000))
	expiresAt := now.Add(m.codeTTL)
	m.codes[code] = expiresAt

	logging.Infof("[Pairing] Code generated, expires %s", expiresAt.Format(time.RFC3339))
	return Code{
		Code:       code,
		ExpiresAt:  expiresAt,
		TTLSeconds: int(m.codeTTL / time.Second),
	}
}

// VerifyCode redeems a pairing code. A code verifies at most once;
// expired and unknown codes fail the same way.
func (m *Manager) VerifyCode(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked(m.now())

	if _, ok := m.codes[code]; !ok {
		return ErrCodeNotFound
	}
	delete(m.codes, code)
	return nil
}

// PurgeExpiredCodes drops expired codes and reports how many went.
// Generate and verify already purge inline; this is the scheduled sweep.
func (m *Manager) PurgeExpiredCodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(m.now())
}

func (m *Manager) purgeLocked(now time.Time) int {
	removed := 0
	for code, expiresAt := range m.codes {
		if !expiresAt.After(now) {
			delete(m.codes, code)
			removed++
		}
	}
	return removed
}

// RegisterDevice creates a paired-device record with a fresh UUID and a
// cryptographically random bearer token.
func (m *Manager) RegisterDevice(ctx context.Context, params RegisterParams) (*Device, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	caps := params.Capabilities
	if caps == nil {
		caps = []string{}
	}

	now := m.now()
	d := &Device{
		ID:           uuid.New().String(),
		Name:         params.Name,
		Platform:     params.Platform,
		Token:        token,
		Capabilities: caps,
		LastSeen:     now,
		CreatedAt:    now,
	}

	if err := m.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}

	logging.Infof("[Pairing] Device registered: %s (%s)", d.Name, d.ID)
	return d, nil
}

// GetDeviceByToken resolves a bearer token to its device record.
func (m *Manager) GetDeviceByToken(ctx context.Context, token string) (*Device, error) {
	return m.store.GetDeviceByToken(ctx, token)
}

// ValidateToken reports whether the token matches a paired device.
func (m *Manager) ValidateToken(ctx context.Context, token string) (bool, error) {
	_, err := m.store.GetDeviceByToken(ctx, token)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetDevice returns a paired device by id.
func (m *Manager) GetDevice(ctx context.Context, id string) (*Device, error) {
	return m.store.GetDevice(ctx, id)
}

// UpdateDevice applies a partial mutation to a paired device.
func (m *Manager) UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) error {
	return m.store.UpdateDevice(ctx, id, upd)
}

// UnpairDevice deletes a device record, permanently invalidating its
// token. Returns ErrDeviceNotFound for unknown ids.
func (m *Manager) UnpairDevice(ctx context.Context, id string) error {
	if err := m.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	logging.Infof("[Pairing] Device unpaired: %s", id)
	return nil
}

// PairedDevices lists every paired device, most recently seen first.
func (m *Manager) PairedDevices(ctx context.Context) ([]*Device, error) {
	return m.store.ListDevices(ctx)
}

// generateToken draws a 32-byte token from crypto/rand, hex encoded.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
