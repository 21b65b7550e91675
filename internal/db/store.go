package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetherlabs/tether/internal/approval"
	"github.com/tetherlabs/tether/internal/pairing"
)

// Store wraps the database connection with the control-plane queries.
// Timestamps are stored as INTEGER Unix milliseconds; approval TTLs are
// millisecond-granular so seconds would lose transitions.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store around an open database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection for sharing with other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ pairing.DeviceStore = (*Store)(nil)
	_ approval.Store      = (*Store)(nil)
)

// SaveDevice inserts or replaces a paired device row.
func (s *Store) SaveDevice(ctx context.Context, d *pairing.Device) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO paired_devices (id, name, platform, token, capabilities, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.Platform, d.Token, string(caps), d.LastSeen.UnixMilli(), d.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// GetDevice returns one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*pairing.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, platform, token, capabilities, last_seen, created_at
		FROM paired_devices WHERE id = ?
	`, id)
	return scanDevice(row)
}

// GetDeviceByToken returns one device by its bearer token. The token
// column is UNIQUE so this is a point lookup.
func (s *Store) GetDeviceByToken(ctx context.Context, token string) (*pairing.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, platform, token, capabilities, last_seen, created_at
		FROM paired_devices WHERE token = ?
	`, token)
	return scanDevice(row)
}

// ListDevices returns every paired device, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]*pairing.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, platform, token, capabilities, last_seen, created_at
		FROM paired_devices ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*pairing.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice applies a partial update. Returns ErrDeviceNotFound when
// the id matches no row.
func (s *Store) UpdateDevice(ctx context.Context, id string, upd pairing.DeviceUpdate) error {
	var sets []string
	var args []any

	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Capabilities != nil {
		caps, err := json.Marshal(upd.Capabilities)
		if err != nil {
			return fmt.Errorf("marshal capabilities: %w", err)
		}
		sets = append(sets, "capabilities = ?")
		args = append(args, string(caps))
	}
	if upd.LastSeen != nil {
		sets = append(sets, "last_seen = ?")
		args = append(args, upd.LastSeen.UnixMilli())
	}
	if len(sets) == 0 {
		_, err := s.GetDevice(ctx, id)
		return err
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		"UPDATE paired_devices SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return pairing.ErrDeviceNotFound
	}
	return nil
}

// DeleteDevice removes a device row, invalidating its token.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM paired_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return pairing.ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*pairing.Device, error) {
	var (
		d        pairing.Device
		capsJSON string
		lastSeen int64
		created  int64
	)
	err := row.Scan(&d.ID, &d.Name, &d.Platform, &d.Token, &capsJSON, &lastSeen, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pairing.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	d.LastSeen = time.UnixMilli(lastSeen)
	d.CreatedAt = time.UnixMilli(created)
	return &d, nil
}

// InsertApproval inserts a new approval request row.
func (s *Store) InsertApproval(ctx context.Context, r *approval.Request) error {
	var result sql.NullString
	if len(r.Result) > 0 {
		result = sql.NullString{String: string(r.Result), Valid: true}
	}
	var resolvedAt sql.NullInt64
	if r.ResolvedAt != nil {
		resolvedAt = sql.NullInt64{Int64: r.ResolvedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_approvals (id, command, security_level, status, result, requested_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Command, r.SecurityLevel, string(r.Status), result, r.RequestedAt.UnixMilli(), r.ExpiresAt.UnixMilli(), resolvedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval returns one approval request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, security_level, status, result, requested_at, expires_at, resolved_at
		FROM command_approvals WHERE id = ?
	`, id)
	return scanApproval(row)
}

// ExpireApproval transitions one pending, past-expiry row to expired.
// The status guard makes the transition exactly-once under concurrency.
func (s *Store) ExpireApproval(ctx context.Context, id string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE command_approvals SET status = 'expired', resolved_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at <= ?
	`, now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire approval: %w", err)
	}
	return result.RowsAffected()
}

// ExpireApprovalsBefore bulk-expires every stale pending row.
func (s *Store) ExpireApprovalsBefore(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE command_approvals SET status = 'expired', resolved_at = ?
		WHERE status = 'pending' AND expires_at <= ?
	`, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return result.RowsAffected()
}

// ListPendingApprovals returns pending rows, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*approval.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, security_level, status, result, requested_at, expires_at, resolved_at
		FROM command_approvals WHERE status = 'pending' ORDER BY requested_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var requests []*approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ResolveApproval writes a terminal status and result, guarded by
// status='pending'.
func (s *Store) ResolveApproval(ctx context.Context, id string, status approval.Status, result json.RawMessage, now time.Time) (int64, error) {
	var res sql.NullString
	if len(result) > 0 {
		res = sql.NullString{String: string(result), Valid: true}
	}

	r, err := s.db.ExecContext(ctx, `
		UPDATE command_approvals SET status = ?, result = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, string(status), res, now.UnixMilli(), id)
	if err != nil {
		return 0, fmt.Errorf("resolve approval: %w", err)
	}
	return r.RowsAffected()
}

func scanApproval(row rowScanner) (*approval.Request, error) {
	var (
		r           approval.Request
		status      string
		result      sql.NullString
		requestedAt int64
		expiresAt   int64
		resolvedAt  sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Command, &r.SecurityLevel, &status, &result, &requestedAt, &expiresAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	r.Status = approval.Status(status)
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.RequestedAt = time.UnixMilli(requestedAt)
	r.ExpiresAt = time.UnixMilli(expiresAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		r.ResolvedAt = &t
	}
	return &r, nil
}
