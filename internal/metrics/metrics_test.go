package metrics

import (
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.StartTime.IsZero() {
		t.Error("StartTime should be set")
	}

	if m.SessionsActive != 0 {
		t.Errorf("Expected SessionsActive to be 0, got %d", m.SessionsActive)
	}
	if m.SessionsTotal != 0 {
		t.Errorf("Expected SessionsTotal to be 0, got %d", m.SessionsTotal)
	}
	if m.ErrorsTotal != 0 {
		t.Errorf("Expected ErrorsTotal to be 0, got %d", m.ErrorsTotal)
	}
}

func TestIncrementSessionsActive(t *testing.T) {
	m := NewMetrics()

	m.IncrementSessionsActive()
	if m.SessionsActive != 1 {
		t.Errorf("Expected SessionsActive to be 1, got %d", m.SessionsActive)
	}
	if m.SessionsTotal != 1 {
		t.Errorf("Expected SessionsTotal to be 1, got %d", m.SessionsTotal)
	}

	m.IncrementSessionsActive()
	if m.SessionsActive != 2 {
		t.Errorf("Expected SessionsActive to be 2, got %d", m.SessionsActive)
	}
	if m.SessionsTotal != 2 {
		t.Errorf("Expected SessionsTotal to be 2, got %d", m.SessionsTotal)
	}
}

func TestDecrementSessionsActive(t *testing.T) {
	m := NewMetrics()

	m.IncrementSessionsActive()
	m.IncrementSessionsActive()

	m.DecrementSessionsActive()
	if m.SessionsActive != 1 {
		t.Errorf("Expected SessionsActive to be 1, got %d", m.SessionsActive)
	}

	m.DecrementSessionsActive()
	if m.SessionsActive != 0 {
		t.Errorf("Expected SessionsActive to be 0, got %d", m.SessionsActive)
	}

	// Should not go below zero
	m.DecrementSessionsActive()
	if m.SessionsActive != 0 {
		t.Errorf("Expected SessionsActive to stay at 0, got %d", m.SessionsActive)
	}
}

func TestMigrationLifecycleCounters(t *testing.T) {
	m := NewMetrics()

	m.MigrationStarted()
	if m.MigrationsStarted != 1 || m.MigrationsActive != 1 {
		t.Errorf("expected 1 started and 1 active, got started=%d active=%d", m.MigrationsStarted, m.MigrationsActive)
	}

	m.MigrationCompleted()
	if m.MigrationsCompleted != 1 || m.MigrationsActive != 0 {
		t.Errorf("expected 1 completed and 0 active, got completed=%d active=%d", m.MigrationsCompleted, m.MigrationsActive)
	}

	m.MigrationStarted()
	m.MigrationAborted()
	if m.MigrationsAborted != 1 {
		t.Errorf("expected 1 aborted migration, got %d", m.MigrationsAborted)
	}

	m.MigrationStarted()
	m.MigrationTimedOut()
	if m.MigrationsTimedOut != 1 {
		t.Errorf("expected 1 timed-out migration, got %d", m.MigrationsTimedOut)
	}
	if m.MigrationsActive != 0 {
		t.Errorf("expected 0 active migrations after all outcomes resolved, got %d", m.MigrationsActive)
	}
}

func TestAddBytesFromAndToVM(t *testing.T) {
	m := NewMetrics()

	m.AddBytesFromVM(100)
	if m.BytesFromVM != 100 {
		t.Errorf("Expected BytesFromVM to be 100, got %d", m.BytesFromVM)
	}

	m.AddBytesToVM(50)
	if m.BytesToVM != 50 {
		t.Errorf("Expected BytesToVM to be 50, got %d", m.BytesToVM)
	}
}

func TestSubscriberCounters(t *testing.T) {
	m := NewMetrics()

	m.IncrementSubscribersActive()
	m.IncrementSubscribersActive()
	if m.SubscribersActive != 2 || m.SubscribersTotal != 2 {
		t.Errorf("expected active=2 total=2, got active=%d total=%d", m.SubscribersActive, m.SubscribersTotal)
	}

	m.DecrementSubscribersActive()
	if m.SubscribersActive != 1 {
		t.Errorf("expected active=1 after one detach, got %d", m.SubscribersActive)
	}

	m.IncrementSubscriberOverflowDisconnects()
	if m.SubscriberOverflowDisconnects != 1 {
		t.Errorf("expected 1 overflow disconnect, got %d", m.SubscriberOverflowDisconnects)
	}
}

func TestIncrementErrors(t *testing.T) {
	m := NewMetrics()

	m.IncrementErrors(ErrorTypeProtocol)
	if m.ErrorsTotal != 1 {
		t.Errorf("Expected ErrorsTotal to be 1, got %d", m.ErrorsTotal)
	}
	if m.ProtocolErrors != 1 {
		t.Errorf("Expected ProtocolErrors to be 1, got %d", m.ProtocolErrors)
	}

	m.IncrementErrors(ErrorTypeAuthorization)
	if m.AuthorizationErrors != 1 {
		t.Errorf("Expected AuthorizationErrors to be 1, got %d", m.AuthorizationErrors)
	}

	m.IncrementErrors(ErrorTypeTimeout)
	if m.TimeoutErrors != 1 {
		t.Errorf("Expected TimeoutErrors to be 1, got %d", m.TimeoutErrors)
	}

	m.IncrementErrors(ErrorTypeResource)
	if m.ResourceErrors != 1 {
		t.Errorf("Expected ResourceErrors to be 1, got %d", m.ResourceErrors)
	}

	// Unknown error type should still increment total
	m.IncrementErrors("unknown")
	if m.ErrorsTotal != 5 {
		t.Errorf("Expected ErrorsTotal to be 5, got %d", m.ErrorsTotal)
	}
}

func TestGetSnapshot(t *testing.T) {
	m := NewMetrics()

	m.IncrementSessionsActive()
	m.IncrementSessionsFailed()
	m.AddBytesFromVM(1000)
	m.IncrementErrors(ErrorTypeProtocol)

	snapshot := m.GetSnapshot()

	if snapshot.SessionsActive != 1 {
		t.Errorf("Expected snapshot SessionsActive to be 1, got %d", snapshot.SessionsActive)
	}
	if snapshot.SessionsFailed != 1 {
		t.Errorf("Expected snapshot SessionsFailed to be 1, got %d", snapshot.SessionsFailed)
	}
	if snapshot.BytesFromVM != 1000 {
		t.Errorf("Expected snapshot BytesFromVM to be 1000, got %d", snapshot.BytesFromVM)
	}
	if snapshot.ErrorsTotal != 1 {
		t.Errorf("Expected snapshot ErrorsTotal to be 1, got %d", snapshot.ErrorsTotal)
	}

	if snapshot.Timestamp.IsZero() {
		t.Error("Snapshot timestamp should be set")
	}
	if snapshot.Uptime <= 0 {
		t.Error("Snapshot uptime should be positive")
	}
}

func TestMetricsSnapshotCalculations(t *testing.T) {
	snapshot := MetricsSnapshot{
		MigrationsCompleted: 80,
		MigrationsAborted:   10,
		MigrationsTimedOut:  10,
		BytesFromVM:         6000,
		BytesToVM:           4000,
		Uptime:              10 * time.Second,
	}

	successRate := snapshot.MigrationSuccessRate()
	expectedSuccessRate := 80.0 // 80/(80+10+10) * 100
	if successRate != expectedSuccessRate {
		t.Errorf("Expected migration success rate %.1f%%, got %.1f%%", expectedSuccessRate, successRate)
	}

	throughput := snapshot.ThroughputBytesPerSecond()
	expectedThroughput := 1000.0 // (6000+4000)/10
	if throughput != expectedThroughput {
		t.Errorf("Expected throughput %.1f bytes/sec, got %.1f bytes/sec", expectedThroughput, throughput)
	}
}

func TestMetricsSnapshotEdgeCases(t *testing.T) {
	snapshot := MetricsSnapshot{}

	if snapshot.MigrationSuccessRate() != 0 {
		t.Error("Migration success rate should be 0 when no migrations finished")
	}
	if snapshot.ThroughputBytesPerSecond() != 0 {
		t.Error("Throughput should be 0 when uptime is 0")
	}
}

func TestReset(t *testing.T) {
	m := NewMetrics()

	m.IncrementSessionsActive()
	m.IncrementSessionsFailed()
	m.AddBytesFromVM(1000)
	m.IncrementErrors(ErrorTypeProtocol)

	m.Reset()

	if m.SessionsActive != 0 {
		t.Errorf("Expected SessionsActive to be 0 after reset, got %d", m.SessionsActive)
	}
	if m.SessionsTotal != 0 {
		t.Errorf("Expected SessionsTotal to be 0 after reset, got %d", m.SessionsTotal)
	}
	if m.BytesFromVM != 0 {
		t.Errorf("Expected BytesFromVM to be 0 after reset, got %d", m.BytesFromVM)
	}
	if m.ErrorsTotal != 0 {
		t.Errorf("Expected ErrorsTotal to be 0 after reset, got %d", m.ErrorsTotal)
	}

	if m.StartTime.IsZero() {
		t.Error("StartTime should be set after reset")
	}
}

func TestGetGlobalMetrics(t *testing.T) {
	m1 := GetGlobalMetrics()
	m2 := GetGlobalMetrics()

	if m1 != m2 {
		t.Error("GetGlobalMetrics should return the same instance")
	}

	m1.IncrementSessionsActive()
	if m2.SessionsActive < 1 {
		t.Error("Global metrics should be shared")
	}
}

func BenchmarkIncrementSessionsActive(b *testing.B) {
	m := NewMetrics()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m.IncrementSessionsActive()
	}
}

func BenchmarkAddBytesFromVM(b *testing.B) {
	m := NewMetrics()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		m.AddBytesFromVM(1024)
	}
}

func BenchmarkGetSnapshot(b *testing.B) {
	m := NewMetrics()
	m.IncrementSessionsActive()
	m.AddBytesFromVM(1000)
	m.IncrementErrors(ErrorTypeProtocol)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetSnapshot()
	}
}
