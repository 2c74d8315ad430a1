package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"molorch/internal/apperrors"
	"molorch/internal/catalog"
	"molorch/internal/provider"
	"molorch/pkg/circuitbreaker"
)

type stubAdapter struct{}

func (stubAdapter) Submit(ctx context.Context, req *provider.SubmitRequest) (string, error) {
	return "stub-1", nil
}

func (stubAdapter) Status(ctx context.Context, providerJobID string) (*provider.JobStatus, error) {
	return &provider.JobStatus{Phase: provider.PhaseSucceeded}, nil
}

func (stubAdapter) Results(ctx context.Context, providerJobID string) (*provider.Results, error) {
	return &provider.Results{}, nil
}

func (stubAdapter) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	return true, nil
}

// twoProviderSetup registers prep-task@1.0.0 bound to providers "alpha" and
// "beta" with identical cost estimates.
func twoProviderSetup(t *testing.T, breakers *circuitbreaker.Registry) *Registry {
	t.Helper()

	cat := catalog.New()
	def := &catalog.TaskDefinition{
		ID:      "prep-task",
		Version: "1.0.0",
		Active:  true,
		Inputs: map[string]catalog.ParamSpec{
			"structure": {Type: catalog.TypeString, Required: true},
		},
		Outputs: map[string]catalog.OutputSpec{
			"prepared": {Type: "string"},
		},
		Bindings: []catalog.ProviderBinding{
			{
				ProviderID: "beta",
				Operation:  "prepare",
				Params:     map[string]catalog.MappingRule{"input": {Kind: catalog.RuleDirect, Source: "structure"}},
				Outputs:    map[string]catalog.ExtractRule{"prepared": {Field: "result"}},
				EstCost:    1.0,
			},
			{
				ProviderID: "alpha",
				Operation:  "prepare",
				Params:     map[string]catalog.MappingRule{"input": {Kind: catalog.RuleDirect, Source: "structure"}},
				Outputs:    map[string]catalog.ExtractRule{"prepared": {Field: "result"}},
				EstCost:    1.0,
			},
		},
	}
	if err := cat.Register(def); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	set := provider.NewSet()
	for _, id := range []string{"alpha", "beta"} {
		if err := set.Register(provider.Config{ID: id, Kind: "httpjson", BaseURL: "http://" + id + ".invalid"}, stubAdapter{}); err != nil {
			t.Fatalf("register provider %s: %v", id, err)
		}
	}

	return New(cat, set, breakers, DefaultWeights())
}

func TestFindCandidates(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	candidates, err := reg.FindCandidates("prep-task@1.0.0")
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
	// Ordered by provider ID regardless of binding declaration order.
	if candidates[0].Binding.ProviderID != "alpha" || candidates[1].Binding.ProviderID != "beta" {
		t.Errorf("candidate order = %s, %s", candidates[0].Binding.ProviderID, candidates[1].Binding.ProviderID)
	}
}

func TestFindCandidatesUnknownTask(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	_, err := reg.FindCandidates("no-such-task@1.0.0")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want %v", err, apperrors.ErrNotFound)
	}
}

func TestFindCandidatesHonorsBreaker(t *testing.T) {
	t.Parallel()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour})
	reg := twoProviderSetup(t, breakers)

	breakers.For("alpha").RecordFailure()

	candidates, err := reg.FindCandidates("prep-task@1.0.0")
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Binding.ProviderID != "beta" {
		t.Errorf("candidates = %+v, want only beta", candidates)
	}
}

func TestSelectProviderDeterministic(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	candidates, err := reg.FindCandidates("prep-task@1.0.0")
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}

	first, err := reg.SelectProvider(candidates, Constraints{})
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	for i := 0; i < 10; i++ {
		c, err := reg.SelectProvider(candidates, Constraints{})
		if err != nil {
			t.Fatalf("SelectProvider: %v", err)
		}
		if c.Binding.ProviderID != first.Binding.ProviderID {
			t.Fatalf("selection changed between identical calls: %s vs %s", c.Binding.ProviderID, first.Binding.ProviderID)
		}
	}
	// With identical cost and no history the tie breaks to the lower ID.
	if first.Binding.ProviderID != "alpha" {
		t.Errorf("selected %s, want alpha", first.Binding.ProviderID)
	}
}

func TestSelectProviderPrefersReliable(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	for i := 0; i < 10; i++ {
		reg.RecordOutcome("alpha", false, time.Second)
		reg.RecordOutcome("beta", true, time.Second)
	}

	candidates, err := reg.FindCandidates("prep-task@1.0.0")
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	selected, err := reg.SelectProvider(candidates, Constraints{})
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if selected.Binding.ProviderID != "beta" {
		t.Errorf("selected %s, want beta after alpha's failures", selected.Binding.ProviderID)
	}
}

func TestSelectProviderSpreadsLoad(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	reg.Acquire("alpha")
	reg.Acquire("alpha")
	reg.Acquire("alpha")

	candidates, _ := reg.FindCandidates("prep-task@1.0.0")
	selected, err := reg.SelectProvider(candidates, Constraints{})
	if err != nil {
		t.Fatalf("SelectProvider: %v", err)
	}
	if selected.Binding.ProviderID != "beta" {
		t.Errorf("selected %s, want beta while alpha carries in-flight jobs", selected.Binding.ProviderID)
	}

	reg.Release("alpha")
	reg.Release("alpha")
	reg.Release("alpha")
}

func TestSelectProviderPinned(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)
	candidates, _ := reg.FindCandidates("prep-task@1.0.0")

	selected, err := reg.SelectProvider(candidates, Constraints{Provider: "beta"})
	if err != nil {
		t.Fatalf("SelectProvider pinned: %v", err)
	}
	if selected.Binding.ProviderID != "beta" {
		t.Errorf("selected %s, want pinned beta", selected.Binding.ProviderID)
	}

	_, err = reg.SelectProvider(candidates, Constraints{Provider: "gamma"})
	if !errors.Is(err, apperrors.ErrNoProvider) {
		t.Errorf("pinned ineligible provider: error = %v, want %v", err, apperrors.ErrNoProvider)
	}
}

func TestRecordOutcomeMetrics(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	reg.RecordOutcome("alpha", true, 2*time.Second)
	reg.RecordOutcome("alpha", true, 4*time.Second)
	reg.RecordOutcome("alpha", false, 6*time.Second)

	snap := reg.Snapshot()["alpha"]
	if snap.Total != 3 || snap.Successes != 2 {
		t.Errorf("snapshot = %+v, want total 3 successes 2", snap)
	}
	if got := snap.SuccessRate; got < 0.66 || got > 0.67 {
		t.Errorf("success rate = %v, want ~0.667", got)
	}
	if snap.AvgLatency != 4*time.Second {
		t.Errorf("avg latency = %v, want 4s", snap.AvgLatency)
	}
}

func TestRecordOutcomeConcurrent(t *testing.T) {
	t.Parallel()
	reg := twoProviderSetup(t, nil)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				reg.Acquire("alpha")
				reg.RecordOutcome("alpha", i%2 == 0, time.Millisecond)
				reg.Release("alpha")
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	snap := reg.Snapshot()["alpha"]
	if snap.Total != 800 || snap.Successes != 400 {
		t.Errorf("snapshot = %+v, want total 800 successes 400", snap)
	}
	if snap.InFlight != 0 {
		t.Errorf("in-flight = %d after all releases, want 0", snap.InFlight)
	}
}
