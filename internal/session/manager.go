package session

import (
	"sync"
	"time"

	"github.com/ibrahmsql/vspc/internal/config"
	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/ibrahmsql/vspc/internal/telnet"
)

// Manager owns every live Session, keyed by vm_uuid, plus the
// migration_id → Session index used to arbitrate a destination's
// VMOTION-PEER against the source that issued the matching
// VMOTION-BEGIN/GOAHEAD. Both maps are guarded by one mutex: a lookup,
// insert or remove is always a single critical section, matching the
// concurrency model's rule that the Session manager's maps are the only
// state shared across workers.
type Manager struct {
	mu            sync.Mutex
	byUUID        map[string]*Session
	byMigrationID map[string]*Session
	byName        map[string]*Session

	cfg   config.SessionConfig
	Admit AdmitFunc
}

// NewManager creates an empty Manager.
func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{
		byUUID:        make(map[string]*Session),
		byMigrationID: make(map[string]*Session),
		byName:        make(map[string]*Session),
		cfg:           cfg,
	}
}

// GetByName returns the Session most recently observed with the given
// VM-NAME metadata, if any. Name binding is best-effort (the spec leaves
// the observer wire protocol mostly out of scope beyond "subscribe by
// vm_uuid or by vm_name"); vm_uuid is the authoritative identity.
func (m *Manager) GetByName(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	return s, ok
}

func (m *Manager) indexByName(name string, s *Session) {
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[name] = s
}

// GetOrCreate returns the Session for vmUUID, creating it on first
// observation of that identity.
func (m *Manager) GetOrCreate(vmUUID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byUUID[vmUUID]; ok {
		return s
	}
	s := newSession(vmUUID, m.cfg, m)
	m.byUUID[vmUUID] = s
	return s
}

// Get returns the Session for vmUUID, if one exists.
func (m *Manager) Get(vmUUID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byUUID[vmUUID]
	return s, ok
}

// Count returns the number of known Sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUUID)
}

// ActiveCount returns the number of Sessions with a currently bound active
// connection.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byUUID))
	for _, s := range m.byUUID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	active := 0
	for _, s := range sessions {
		if s.IsActive() {
			active++
		}
	}
	return active
}

// MigrationBacklogCount returns the number of migrations currently in
// flight (indexed by migration id, past VMOTION-BEGIN but short of
// COMPLETE/ABORT/timeout).
func (m *Manager) MigrationBacklogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byMigrationID)
}

// registerMigration indexes s under migrationID so a later VMOTION-PEER
// can be arbitrated by id alone. Called by Session while it holds its own
// s.mu; m.mu is always taken after s.mu, never before.
func (m *Manager) registerMigration(migrationID []byte, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byMigrationID[string(migrationID)] = s
}

func (m *Manager) unregisterMigration(migrationID []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byMigrationID, string(migrationID))
}

// HandleVMotionPeer arbitrates a destination connection's VMOTION-PEER
// claim: it looks up the Session owning migrationID and, if the secret
// checks out and no peer is already pending, accepts conn as the pending
// peer connection. An unknown id or a wrong secret is rejected silently —
// no PEER-OK is sent and the caller is expected to drop the connection
// after a grace period. On success it returns the Session conn was
// accepted into, so the caller can dispatch the eventual VMOTION-COMPLETE
// (or an early disconnect) against that same Session rather than needing
// its own vm_uuid binding.
func (m *Manager) HandleVMotionPeer(conn *telnet.Connection, migrationID, secret []byte) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.byMigrationID[string(migrationID)]
	m.mu.Unlock()

	if !ok {
		logger.WarnWithFields("session: VMOTION-PEER for unknown migration id", nil)
		return nil, false
	}
	if !s.tryAcceptPeer(conn, migrationID, secret) {
		logger.WarnWithFields("session: VMOTION-PEER rejected (wrong secret or no migration pending)", map[string]interface{}{"vm_uuid": s.VMUUID()})
		return nil, false
	}
	return s, true
}

// Remove deletes vmUUID's Session from the manager. Intended for use by
// Sweep once a Session has sat idle past the configured grace period; the
// caller is responsible for first verifying the Session is actually idle.
func (m *Manager) Remove(vmUUID string) {
	m.mu.Lock()
	s, ok := m.byUUID[vmUUID]
	m.mu.Unlock()
	if !ok {
		return
	}

	// Read under the Session's own lock, not m.mu: a worker-reactor task
	// mutating migrationID/vmName only ever holds s.mu before it takes
	// m.mu (registerMigration, unregisterMigration, indexByName), so
	// nesting s.mu inside m.mu here would invert that lock order.
	migrationID, vmName := s.migrationAndName()

	m.mu.Lock()
	defer m.mu.Unlock()
	if migrationID != nil {
		delete(m.byMigrationID, string(migrationID))
	}
	if vmName != "" {
		delete(m.byName, vmName)
	}
	delete(m.byUUID, vmUUID)
}

// Shutdown drains every in-flight migration up to drainBound, then closes
// every Session's active and pending-peer connections. Sessions themselves
// are left registered (a graceful shutdown tears connections down, it does
// not forget the VMs that were using them) so a restarted process, or a
// health check run before the process actually exits, still sees them.
func (m *Manager) Shutdown(drainBound time.Duration) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byUUID))
	for _, s := range m.byUUID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(drainBound)
	for _, s := range sessions {
		for s.IsMigrating() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	for _, s := range sessions {
		s.CloseConnections()
	}
}

// Sweep evicts every Session that has been idle longer than the
// configured idle grace period. It is meant to be called periodically
// (e.g. from a ticker in the process driving the reactor pool), not from
// inside any single Session's own worker.
func (m *Manager) Sweep() int {
	grace := m.cfg.IdleGrace()

	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.byUUID))
	for _, s := range m.byUUID {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		if s.Idle() && s.IdleSince() >= grace {
			m.Remove(s.VMUUID())
			evicted++
		}
	}
	return evicted
}
