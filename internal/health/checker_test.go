package health

import (
	"context"
	"errors"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoChecks(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Readiness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status with no dependencies, got %s", response.Status)
	}
}

func TestChecker_Readiness_AllUnhealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.AddCheck("docker", ReadyFunc(func(ctx context.Context) error {
		return errors.New("daemon unreachable")
	}))

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	check, ok := response.Checks["docker"]
	if !ok {
		t.Fatal("Expected docker check to be present")
	}
	if check.Status != StatusUnhealthy || check.Message != "daemon unreachable" {
		t.Errorf("check = %+v", check)
	}
}

func TestChecker_Readiness_PartiallyUnhealthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.AddCheck("docker", ReadyFunc(func(ctx context.Context) error { return nil }))
	checker.AddCheck("rest", ReadyFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	response := checker.Readiness(context.Background())

	if response.Status != StatusDegraded {
		t.Errorf("Expected degraded status, got %s", response.Status)
	}
}

func TestChecker_Readiness_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.AddCheck("docker", ReadyFunc(func(ctx context.Context) error { return nil }))

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status during shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check to be present")
	}
}

func TestChecker_Readiness_CachesResult(t *testing.T) {
	t.Parallel()
	var calls int
	checker := NewChecker()
	checker.AddCheck("docker", ReadyFunc(func(ctx context.Context) error {
		calls++
		return nil
	}))

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls != 1 {
		t.Errorf("Expected cached second readiness check, got %d calls", calls)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
