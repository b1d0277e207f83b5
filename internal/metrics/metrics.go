package metrics

import (
	"sync"
	"time"
)

// Error type constants used with IncrementErrors.
const (
	ErrorTypeProtocol      = "protocol"
	ErrorTypeAuthorization = "authorization"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeResource      = "resource"
)

// Metrics holds process-wide vspc counters: session and migration
// lifecycle, bytes relayed per direction, and subscriber fan-out health.
type Metrics struct {
	mu sync.RWMutex

	SessionsActive int64
	SessionsTotal  int64
	SessionsFailed int64

	MigrationsStarted   int64
	MigrationsCompleted int64
	MigrationsAborted   int64
	MigrationsTimedOut  int64
	MigrationsActive    int64

	BytesFromVM int64
	BytesToVM   int64

	SubscribersActive          int64
	SubscribersTotal           int64
	SubscriberOverflowDisconnects int64

	ErrorsTotal          int64
	ProtocolErrors       int64
	AuthorizationErrors  int64
	TimeoutErrors        int64
	ResourceErrors       int64

	LastActivity time.Time
	StartTime    time.Time
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime: time.Now(),
	}
}

// IncrementSessionsActive records a new Session entering the session table.
func (m *Metrics) IncrementSessionsActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionsActive++
	m.SessionsTotal++
	m.LastActivity = time.Now()
}

// DecrementSessionsActive records a Session leaving the session table.
func (m *Metrics) DecrementSessionsActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SessionsActive > 0 {
		m.SessionsActive--
	}
	m.LastActivity = time.Now()
}

// IncrementSessionsFailed records a Session that never reached IDLE with a
// bound VM-side connection (admission timeout, rejected handshake).
func (m *Metrics) IncrementSessionsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionsFailed++
	m.LastActivity = time.Now()
}

// MigrationStarted records a VMOTION-BEGIN observed on a Session.
func (m *Metrics) MigrationStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MigrationsStarted++
	m.MigrationsActive++
	m.LastActivity = time.Now()
}

// MigrationCompleted records a successful handoff.
func (m *Metrics) MigrationCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MigrationsCompleted++
	if m.MigrationsActive > 0 {
		m.MigrationsActive--
	}
	m.LastActivity = time.Now()
}

// MigrationAborted records an explicit VMOTION-ABORT outcome.
func (m *Metrics) MigrationAborted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MigrationsAborted++
	if m.MigrationsActive > 0 {
		m.MigrationsActive--
	}
	m.LastActivity = time.Now()
}

// MigrationTimedOut records a T_goahead/T_peer/T_complete expiry outcome.
func (m *Metrics) MigrationTimedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MigrationsTimedOut++
	if m.MigrationsActive > 0 {
		m.MigrationsActive--
	}
	m.LastActivity = time.Now()
}

// AddBytesFromVM adds bytes relayed from the VM serial port toward
// subscribers.
func (m *Metrics) AddBytesFromVM(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesFromVM += n
	m.LastActivity = time.Now()
}

// AddBytesToVM adds bytes relayed from a subscriber toward the VM serial
// port.
func (m *Metrics) AddBytesToVM(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BytesToVM += n
	m.LastActivity = time.Now()
}

// IncrementSubscribersActive records a subscriber attaching to a Session.
func (m *Metrics) IncrementSubscribersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribersActive++
	m.SubscribersTotal++
	m.LastActivity = time.Now()
}

// DecrementSubscribersActive records a subscriber detaching.
func (m *Metrics) DecrementSubscribersActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribersActive > 0 {
		m.SubscribersActive--
	}
	m.LastActivity = time.Now()
}

// IncrementSubscriberOverflowDisconnects records the fan-out's
// never-block-the-serial-path policy kicking in.
func (m *Metrics) IncrementSubscriberOverflowDisconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscriberOverflowDisconnects++
	m.LastActivity = time.Now()
}

// IncrementErrors increments the error counters by taxonomy.
func (m *Metrics) IncrementErrors(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorsTotal++

	switch errorType {
	case ErrorTypeProtocol:
		m.ProtocolErrors++
	case ErrorTypeAuthorization:
		m.AuthorizationErrors++
	case ErrorTypeTimeout:
		m.TimeoutErrors++
	case ErrorTypeResource:
		m.ResourceErrors++
	}

	m.LastActivity = time.Now()
}

// GetSnapshot returns a snapshot of current metrics.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		SessionsActive:                m.SessionsActive,
		SessionsTotal:                 m.SessionsTotal,
		SessionsFailed:                m.SessionsFailed,
		MigrationsStarted:             m.MigrationsStarted,
		MigrationsCompleted:           m.MigrationsCompleted,
		MigrationsAborted:             m.MigrationsAborted,
		MigrationsTimedOut:            m.MigrationsTimedOut,
		MigrationsActive:              m.MigrationsActive,
		BytesFromVM:                   m.BytesFromVM,
		BytesToVM:                     m.BytesToVM,
		SubscribersActive:             m.SubscribersActive,
		SubscribersTotal:              m.SubscribersTotal,
		SubscriberOverflowDisconnects: m.SubscriberOverflowDisconnects,
		ErrorsTotal:                   m.ErrorsTotal,
		ProtocolErrors:                m.ProtocolErrors,
		AuthorizationErrors:           m.AuthorizationErrors,
		TimeoutErrors:                 m.TimeoutErrors,
		ResourceErrors:                m.ResourceErrors,
		LastActivity:                  m.LastActivity,
		Uptime:                        time.Since(m.StartTime),
		Timestamp:                     time.Now(),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	SessionsActive                int64     `json:"sessions_active"`
	SessionsTotal                 int64     `json:"sessions_total"`
	SessionsFailed                int64     `json:"sessions_failed"`
	MigrationsStarted             int64     `json:"migrations_started"`
	MigrationsCompleted           int64     `json:"migrations_completed"`
	MigrationsAborted             int64     `json:"migrations_aborted"`
	MigrationsTimedOut            int64     `json:"migrations_timed_out"`
	MigrationsActive              int64     `json:"migrations_active"`
	BytesFromVM                   int64     `json:"bytes_from_vm"`
	BytesToVM                     int64     `json:"bytes_to_vm"`
	SubscribersActive             int64     `json:"subscribers_active"`
	SubscribersTotal              int64     `json:"subscribers_total"`
	SubscriberOverflowDisconnects int64     `json:"subscriber_overflow_disconnects"`
	ErrorsTotal                   int64     `json:"errors_total"`
	ProtocolErrors                int64     `json:"protocol_errors"`
	AuthorizationErrors           int64     `json:"authorization_errors"`
	TimeoutErrors                 int64     `json:"timeout_errors"`
	ResourceErrors                int64     `json:"resource_errors"`
	LastActivity                  time.Time `json:"last_activity"`
	Uptime                        time.Duration `json:"uptime"`
	Timestamp                     time.Time `json:"timestamp"`
}

// MigrationSuccessRate returns the share of finished migrations (completed,
// aborted or timed out) that completed successfully, as a percentage.
func (s MetricsSnapshot) MigrationSuccessRate() float64 {
	finished := s.MigrationsCompleted + s.MigrationsAborted + s.MigrationsTimedOut
	if finished == 0 {
		return 0
	}
	return float64(s.MigrationsCompleted) / float64(finished) * 100
}

// ThroughputBytesPerSecond returns combined throughput in bytes per second.
func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Uptime.Seconds() == 0 {
		return 0
	}
	return float64(s.BytesFromVM+s.BytesToVM) / s.Uptime.Seconds()
}

// Global metrics instance.
var globalMetrics = NewMetrics()

// GetGlobalMetrics returns the global metrics instance.
func GetGlobalMetrics() *Metrics {
	return globalMetrics
}

// Reset resets all metrics to zero.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SessionsActive = 0
	m.SessionsTotal = 0
	m.SessionsFailed = 0
	m.MigrationsStarted = 0
	m.MigrationsCompleted = 0
	m.MigrationsAborted = 0
	m.MigrationsTimedOut = 0
	m.MigrationsActive = 0
	m.BytesFromVM = 0
	m.BytesToVM = 0
	m.SubscribersActive = 0
	m.SubscribersTotal = 0
	m.SubscriberOverflowDisconnects = 0
	m.ErrorsTotal = 0
	m.ProtocolErrors = 0
	m.AuthorizationErrors = 0
	m.TimeoutErrors = 0
	m.ResourceErrors = 0
	m.StartTime = time.Now()
	m.LastActivity = time.Time{}
}
