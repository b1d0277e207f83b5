package health

import (
	"context"
	"testing"
)

func TestSessionManagerHealthCheckerHealthy(t *testing.T) {
	checker := NewSessionManagerHealthChecker(func() (active, total int) {
		return 3, 10
	})

	result := checker.Check(context.Background())
	if !result.IsHealthy() {
		t.Errorf("expected healthy result, got %s: %s", result.Status, result.Error)
	}
}

func TestSessionManagerHealthCheckerInvariantViolation(t *testing.T) {
	checker := NewSessionManagerHealthChecker(func() (active, total int) {
		return 11, 10
	})

	result := checker.Check(context.Background())
	if !result.IsUnhealthy() {
		t.Errorf("expected unhealthy result when active exceeds total, got %s", result.Status)
	}
}

func TestSessionManagerHealthCheckerNoStatsFunc(t *testing.T) {
	checker := NewSessionManagerHealthChecker(nil)
	result := checker.Check(context.Background())
	if !result.IsUnhealthy() {
		t.Error("expected unhealthy result when no stats function is provided")
	}
}

func TestMigrationBacklogHealthCheckerThresholds(t *testing.T) {
	backlog := 0
	checker := NewMigrationBacklogHealthChecker(10, 5, func() int { return backlog })

	result := checker.Check(context.Background())
	if !result.IsHealthy() {
		t.Errorf("expected healthy with zero backlog, got %s", result.Status)
	}

	backlog = 6
	result = checker.Check(context.Background())
	if !result.IsDegraded() {
		t.Errorf("expected degraded at backlog 6 with warning 5, got %s", result.Status)
	}

	backlog = 10
	result = checker.Check(context.Background())
	if !result.IsUnhealthy() {
		t.Errorf("expected unhealthy at backlog 10 with max 10, got %s", result.Status)
	}
}
