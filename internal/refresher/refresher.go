package refresher

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/Yvictor/tpp/internal/auth"
	"github.com/Yvictor/tpp/internal/pool"
	"github.com/Yvictor/tpp/internal/retry"
	"github.com/Yvictor/tpp/internal/trace"
)

// loginTimeout bounds a single refresh login attempt.
const loginTimeout = 30 * time.Second

// Refresher keeps pool tokens fresh: it replaces tokens whose TTL elapsed on
// a periodic scan, and reacts immediately to 401-driven invalidations via
// the pool's refresh signal. Refreshes run one slot at a time to bound login
// load on the upstream.
type Refresher struct {
	pool     *pool.Pool
	acquirer *auth.Acquirer
	cred     auth.Credential

	// ttl and interval are nanosecond durations, atomics so config reload
	// can adjust them while the loop runs.
	ttl      atomic.Int64
	interval atomic.Int64

	backoff *retry.ExponentialRetryer
	// fails counts consecutive refresh failures, for backoff pacing.
	fails int
}

// New creates a refresher. It does nothing until Run is called.
func New(p *pool.Pool, a *auth.Acquirer, cred auth.Credential, ttl, checkInterval time.Duration) *Refresher {
	r := &Refresher{
		pool:     p,
		acquirer: a,
		cred:     cred,
		backoff: &retry.ExponentialRetryer{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
	r.ttl.Store(int64(ttl))
	r.interval.Store(int64(checkInterval))
	return r
}

// SetIntervals adjusts the TTL and scan cadence, applied from the next wake.
// Used by config hot reload.
func (r *Refresher) SetIntervals(ttl, checkInterval time.Duration) {
	r.ttl.Store(int64(ttl))
	r.interval.Store(int64(checkInterval))
	log.Printf("[INFO] refresher: intervals updated ttl=%s check=%s", ttl, checkInterval)
}

// Run blocks until ctx is canceled, waking on the scan timer or on the
// pool's invalidation signal. Always returns nil: refresh failures are
// logged and retried, never propagated to the caller.
func (r *Refresher) Run(ctx context.Context) error {
	log.Printf("[INFO] refresher: started (ttl=%s check=%s)",
		time.Duration(r.ttl.Load()), time.Duration(r.interval.Load()))

	timer := time.NewTimer(time.Duration(r.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] refresher: stopped")
			return nil
		case <-timer.C:
			r.refreshEligible(ctx)
			timer.Reset(time.Duration(r.interval.Load()))
		case <-r.pool.RefreshSignal():
			r.refreshEligible(ctx)
		}
	}
}

// refreshEligible scans for slots needing refresh and re-authenticates them
// sequentially. A failed login skips the rest of the batch; the slots stay
// eligible and are retried on the next wake after a backoff pause.
func (r *Refresher) refreshEligible(ctx context.Context) {
	ttl := time.Duration(r.ttl.Load())
	ids := r.pool.SlotsNeedingRefresh(time.Now(), ttl)
	if len(ids) == 0 {
		if trace.Debug() {
			log.Printf("[DEBUG] refresher: nothing to refresh")
		}
		return
	}

	log.Printf("[INFO] refresher: %d slots need refresh", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.refreshSlot(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fails++
			delay := r.backoff.NextDelay(r.fails)
			log.Printf("[ERROR] refresher: slot %d refresh failed (attempt %d, backing off %s): %v",
				id, r.fails, delay.Round(time.Millisecond), err)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			return
		}
		r.fails = 0
	}
}

// refreshSlot takes the slot's lease, re-authenticates, and swaps the token
// in. Holding the lease is what keeps the replacement invisible to
// connections: a slot currently bound to a connection is simply waited for.
func (r *Refresher) refreshSlot(ctx context.Context, id int) error {
	lease, err := r.pool.AcquireSlot(ctx, id)
	if err != nil {
		return err
	}
	defer lease.Release(pool.OutcomeOK)

	// The slot may have been refreshed by the time the lease arrives
	// (e.g. a TTL scan raced an invalidation signal for the same slot).
	ttl := time.Duration(r.ttl.Load())
	if !r.pool.NeedsRefresh(id, time.Now(), ttl) {
		if trace.Debug() {
			log.Printf("[DEBUG] refresher: slot %d no longer eligible, skipping", id)
		}
		return nil
	}

	loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	token, err := r.acquirer.Login(loginCtx, r.cred)
	if err != nil {
		// Leave the old token in place; the upstream stays the authority on
		// whether it is still accepted.
		return err
	}

	if err := r.pool.Replace(id, token); err != nil {
		return err
	}

	log.Printf("[INFO] refresher: slot %d refreshed", id)
	return nil
}
