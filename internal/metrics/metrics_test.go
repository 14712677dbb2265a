package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Yvictor/tpp/internal/pool"
)

func TestGaugesTrackPool(t *testing.T) {
	p, err := pool.New([]string{"t1", "t2", "t3"}, 3)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	reg := NewRegistry(p)

	read := func() map[string]float64 {
		t.Helper()
		mfs, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather: %v", err)
		}
		out := make(map[string]float64)
		for _, mf := range mfs {
			out[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
		return out
	}

	got := read()
	if got["tpp_tokens_total"] != 3 || got["tpp_tokens_available"] != 3 || got["tpp_tokens_in_use"] != 0 {
		t.Errorf("initial gauges = %v", got)
	}

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got = read()
	if got["tpp_tokens_in_use"] != 1 || got["tpp_tokens_available"] != 2 {
		t.Errorf("gauges after acquire = %v", got)
	}

	lease.Release(pool.OutcomeOK)

	got = read()
	if got["tpp_tokens_in_use"] != 0 || got["tpp_tokens_available"] != 3 {
		t.Errorf("gauges after release = %v", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	p1, err := pool.New([]string{"a"}, 1)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	p2, err := pool.New([]string{"b", "c"}, 2)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	// Two registries must coexist without duplicate-registration panics.
	reg1 := NewRegistry(p1)
	reg2 := NewRegistry(p2)

	n1, err := testutil.GatherAndCount(reg1)
	if err != nil {
		t.Fatalf("gather reg1: %v", err)
	}
	n2, err := testutil.GatherAndCount(reg2)
	if err != nil {
		t.Fatalf("gather reg2: %v", err)
	}
	if n1 != 4 || n2 != 4 {
		t.Errorf("metric counts = %d, %d, want 4 each", n1, n2)
	}
}
