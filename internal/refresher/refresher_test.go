package refresher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yvictor/tpp/internal/auth"
	"github.com/Yvictor/tpp/internal/pool"
)

func testCred() auth.Credential {
	return auth.Credential{Username: "u", Password: "p"}
}

// loginServer counts logins and serves sequential tokens R1, R2, ...
// unless failing is set.
type loginServer struct {
	calls   atomic.Int64
	failing atomic.Bool
	srv     *httptest.Server
}

func newLoginServer(t *testing.T) *loginServer {
	t.Helper()
	ls := &loginServer{}
	ls.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ls.calls.Add(1)
		if ls.failing.Load() {
			http.Error(w, "unavailable", http.StatusBadGateway)
			return
		}
		fmt.Fprintf(w, `{"code": 0, "token": "R%d"}`, n)
	}))
	t.Cleanup(ls.srv.Close)
	return ls
}

func acquireToken(t *testing.T, p *pool.Pool) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release(pool.OutcomeOK)
	return l.Token()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRefreshOnInvalidationSignal(t *testing.T) {
	ls := newLoginServer(t)
	p, err := pool.New([]string{"stale"}, 1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	r := New(p, auth.NewAcquirer(ls.srv.URL), testCred(), time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	// 401 path: release invalid fires the signal, no timer involved.
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release(pool.OutcomeInvalid)

	waitFor(t, func() bool { return acquireToken(t, p) == "R1" },
		"invalid slot was not refreshed from the signal")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not exit on context cancel")
	}
}

func TestRefreshOnTTLExpiry(t *testing.T) {
	ls := newLoginServer(t)
	p, err := pool.New([]string{"old1", "old2"}, 2)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	// Everything is immediately expired against a zero TTL.
	r := New(p, auth.NewAcquirer(ls.srv.URL), testCred(), 0, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	waitFor(t, func() bool { return ls.calls.Load() >= 2 },
		"TTL scan never refreshed both slots")

	stats, err := p.Stats(0)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if time.Since(stats.IssuedAt) > time.Minute {
		t.Error("issued_at not advanced by refresh")
	}
}

func TestRefreshFailureKeepsOldToken(t *testing.T) {
	ls := newLoginServer(t)
	ls.failing.Store(true)

	p, err := pool.New([]string{"keepme"}, 1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	// Short scan interval so the invalid slot is retried from the timer
	// after the signal-driven attempt fails.
	r := New(p, auth.NewAcquirer(ls.srv.URL), testCred(), time.Hour, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release(pool.OutcomeInvalid)

	waitFor(t, func() bool { return ls.calls.Load() >= 1 }, "refresh never attempted")

	// The stale token keeps serving until a replacement succeeds.
	if got := acquireToken(t, p); got != "keepme" {
		t.Errorf("token = %q, want old token preserved", got)
	}

	// Once the upstream recovers, the next wake replaces it.
	ls.failing.Store(false)
	waitFor(t, func() bool {
		tok := acquireToken(t, p)
		return tok != "keepme"
	}, "slot never refreshed after upstream recovery")
}

func TestRefreshSlotWaitsForLease(t *testing.T) {
	ls := newLoginServer(t)
	p, err := pool.New([]string{"held"}, 1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	// Zero TTL: the slot is always eligible once the lease frees up.
	r := New(p, auth.NewAcquirer(ls.srv.URL), testCred(), 0, time.Hour)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.refreshSlot(context.Background(), 0) }()

	// The refresher must queue behind the connection, not mutate in place.
	time.Sleep(50 * time.Millisecond)
	if ls.calls.Load() != 0 {
		t.Fatal("refresher logged in while the slot was leased")
	}
	select {
	case <-done:
		t.Fatal("refreshSlot returned while the slot was leased")
	default:
	}

	held.Release(pool.OutcomeOK)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("refreshSlot: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refreshSlot never completed after release")
	}

	if got := acquireToken(t, p); got != "R1" {
		t.Errorf("token = %q, want R1", got)
	}
}

func TestSetIntervalsAppliesToNextScan(t *testing.T) {
	ls := newLoginServer(t)
	p, err := pool.New([]string{"t"}, 1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	// Start with a TTL that never expires, then drop it to zero.
	r := New(p, auth.NewAcquirer(ls.srv.URL), testCred(), time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if ls.calls.Load() != 0 {
		t.Fatalf("unexpected refreshes before TTL change: %d", ls.calls.Load())
	}

	r.SetIntervals(0, 10*time.Millisecond)
	waitFor(t, func() bool { return ls.calls.Load() >= 1 },
		"interval change never took effect")
}
