package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherlabs/tether/internal/logging"
)

var (
	// ErrNotFound means no approval request matches the id.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved means the request already left pending.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

const (
	// DefaultTTL is how long a request stays approvable.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often stale pending rows are expired
	// in bulk, on top of the lazy per-read check.
	DefaultSweepInterval = time.Minute
)

// Options configures a Gate.
type Options struct {
	Store         Store
	TTL           time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Gate persists approval requests and drives their pending → terminal
// transitions. It is independent of the socket stack; approvers reach
// it through Pending and Resolve.
type Gate struct {
	store         Store
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewGate creates an approval gate. Call Start to run the background
// sweeper and Close to stop it.
func NewGate(opts Options) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		store:         opts.Store,
		ttl:           opts.TTL,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		done:          make(chan struct{}),
	}
}

// Request inserts a pending approval request expiring at now+TTL.
func (g *Gate) Request(ctx context.Context, command, securityLevel string) (*Request, error) {
	now := g.now()
	r := &Request{
		ID:            uuid.New().String(),
		Command:       command,
		SecurityLevel: securityLevel,
		Status:        StatusPending,
		RequestedAt:   now,
		ExpiresAt:     now.Add(g.ttl),
	}
	if err := g.store.InsertApproval(ctx, r); err != nil {
		return nil, err
	}
	logging.Infof("[Approvals] Requested %s (level=%s, expires %s)", r.ID, securityLevel, r.ExpiresAt.Format(time.RFC3339))
	return r, nil
}

// Check returns the request's current status. A pending request past
// its expiry is transitioned to expired here; the conditional update
// makes that transition happen exactly once under concurrent checks.
// Terminal statuses are returned unchanged, so Check is idempotent.
func (g *Gate) Check(ctx context.Context, id string) (Decision, error) {
	r, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Decision{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if r.Status == StatusPending && !r.ExpiresAt.After(g.now()) {
		if _, err := g.store.ExpireApproval(ctx, id, g.now()); err != nil {
			return Decision{}, err
		}
		// Zero rows means a concurrent writer won; re-read for the
		// terminal state either way.
		r, err = g.store.GetApproval(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return Decision{Status: StatusNotFound}, nil
		}
		if err != nil {
			return Decision{}, err
		}
	}

	return Decision{Status: r.Status, Result: r.Result}, nil
}

// Pending sweeps stale rows, then lists what is still pending, oldest
// first. This is the approver's worklist.
func (g *Gate) Pending(ctx context.Context) ([]*Request, error) {
	if _, err := g.CleanExpired(ctx); err != nil {
		return nil, err
	}
	return g.store.ListPendingApprovals(ctx)
}

// CleanExpired bulk-expires every pending row past its expiry.
func (g *Gate) CleanExpired(ctx context.Context) (int64, error) {
	return g.store.ExpireApprovalsBefore(ctx, g.now())
}

// Resolve writes the approver's verdict. The status='pending' guard is
// the same conditional update the expiry path uses, so a request that
// already expired or was resolved stays untouched and the caller gets
// ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, id string, approved bool, result json.RawMessage) (*Request, error) {
	status := StatusDenied
	if approved {
		status = StatusApproved
	}

	n, err := g.store.ResolveApproval(ctx, id, status, result, g.now())
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := g.store.GetApproval(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}

	logging.Infof("[Approvals] Resolved %s: %s", id, status)
	return g.store.GetApproval(ctx, id)
}

// Start launches the background sweeper. Safe to call once per gate.
func (g *Gate) Start() {
	g.startOnce.Do(func() {
		go g.sweepLoop()
	})
}

func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := g.CleanExpired(ctx)
			cancel()
			if err != nil {
				logging.Errorf("[Approvals] Sweep failed: %v", err)
			} else if n > 0 {
				logging.Infof("[Approvals] Expired %d stale requests", n)
			}
		}
	}
}

// Close stops the sweeper. Idempotent.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
}
