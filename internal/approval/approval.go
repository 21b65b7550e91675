package approval

import (
	"context"
	"encoding/json"
	"time"
)

// Status is an approval request's lifecycle state. Terminal statuses
// (approved, denied, expired) never change once written.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"

	// StatusNotFound is a read result, never persisted.
	StatusNotFound Status = "not_found"
)

// Request is a persisted approval request gating a sensitive command.
type Request struct {
	ID            string          `json:"id"`
	Command       string          `json:"command"`
	SecurityLevel string          `json:"security_level"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Decision is what a status check returns to the caller.
type Decision struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Store persists approval requests. The conditional transitions are the
// concurrency contract: they change a row only while it is still
// pending, so a terminal status is written exactly once no matter how
// many writers race.
type Store interface {
	InsertApproval(ctx context.Context, r *Request) error
	GetApproval(ctx context.Context, id string) (*Request, error)
	// ExpireApproval moves one pending, past-expiry row to expired.
	// Returns rows changed (0 when another writer got there first).
	ExpireApproval(ctx context.Context, id string, now time.Time) (int64, error)
	// ExpireApprovalsBefore bulk-expires every stale pending row.
	ExpireApprovalsBefore(ctx context.Context, now time.Time) (int64, error)
	// ListPendingApprovals returns pending rows, oldest first.
	ListPendingApprovals(ctx context.Context) ([]*Request, error)
	// ResolveApproval writes a terminal status and result, guarded by
	// status='pending'. Returns rows changed.
	ResolveApproval(ctx context.Context, id string, status Status, result json.RawMessage, now time.Time) (int64, error)
}
