// Package session implements the Session and Session manager: the logical
// identity of one VM's serial port across transport connections, and the
// migration rendezvous state machine that stitches a source connection and
// a destination connection into one continuous byte stream across a
// vMotion.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/ibrahmsql/vspc/internal/buffer"
	"github.com/ibrahmsql/vspc/internal/config"
	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/ibrahmsql/vspc/internal/telnet"
	"github.com/ibrahmsql/vspc/internal/vmwareext"
)

// MigrationState is a Session's position in the migration rendezvous state
// machine (§4.5). It doubles as both the source-side and destination-side
// state: SrcGoaheadSent and DstPeerAccepted name the same in-flight
// migration from each side's perspective.
type MigrationState int

const (
	StateIdle MigrationState = iota
	StateSrcBegun
	StateSrcGoaheadSent
	StateDstPeerAccepted
)

func (s MigrationState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSrcBegun:
		return "SRC-BEGUN"
	case StateSrcGoaheadSent:
		return "SRC-GOAHEAD-SENT"
	case StateDstPeerAccepted:
		return "DST-PEER-ACCEPTED"
	default:
		return "UNKNOWN"
	}
}

// AdmitFunc decides whether a VMOTION-BEGIN should be granted. The default
// policy (used when nil) admits every migration.
type AdmitFunc func(vmUUID string, migrationID []byte) bool

// Session is the logical identity of one VM's serial port: it survives
// reconnection and migration, fans serial data out to subscribers, and
// runs the migration state machine for its own vm_uuid.
type Session struct {
	mu sync.Mutex

	vmUUID string
	vmName string

	active      *telnet.Connection
	pendingPeer *telnet.Connection

	state           MigrationState
	migrationID     []byte
	migrationSecret []byte

	// sourceClosed records that the active (source) connection dropped
	// while a migration was in flight; it narrows the remaining deadline
	// to T_complete rather than the full T_goahead, per the failure-case
	// rule that an orphaned migration is kept alive only long enough for
	// a destination rendezvous already under way to finish.
	sourceClosed bool

	timer *time.Timer

	scrollback  *buffer.Scrollback
	subscribers map[string]*buffer.SubscriberQueue

	lastActivity time.Time

	cfg     config.SessionConfig
	manager *Manager
}

func newSession(vmUUID string, cfg config.SessionConfig, mgr *Manager) *Session {
	return &Session{
		vmUUID:       vmUUID,
		state:        StateIdle,
		scrollback:   buffer.NewScrollback(cfg.ScrollbackBytes),
		subscribers:  make(map[string]*buffer.SubscriberQueue),
		lastActivity: time.Now(),
		cfg:          cfg,
		manager:      mgr,
	}
}

// VMUUID returns the Session's stable identity.
func (s *Session) VMUUID() string {
	return s.vmUUID
}

// VMName returns the most recently observed VM-NAME metadata, or "" if
// none has arrived yet.
func (s *Session) VMName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vmName
}

// SetVMName records VM-NAME metadata observed on the active connection and
// indexes the Session by name so the observer listener can resolve a
// subscription by name as well as by vm_uuid.
func (s *Session) SetVMName(name string) {
	s.mu.Lock()
	s.vmName = name
	mgr := s.manager
	s.mu.Unlock()
	if mgr != nil {
		mgr.indexByName(name, s)
	}
}

// State returns the current migration state.
func (s *Session) State() MigrationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BindActive attaches conn as the Session's active connection. Used both
// for a VM's first connection and for an ordinary reconnection outside of
// a migration (the previous active connection, if any, is assumed already
// closed by the caller).
func (s *Session) BindActive(conn *telnet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active != conn {
		logger.WarnWithFields("session: replacing active connection without a clean handoff", map[string]interface{}{"vm_uuid": s.vmUUID})
	}
	s.active = conn
	s.sourceClosed = false
}

// UnbindActive detaches conn if it is the current active connection,
// driving whatever migration-state consequence its loss implies.
func (s *Session) UnbindActive(conn *telnet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != conn {
		return
	}
	s.active = nil

	switch s.state {
	case StateSrcGoaheadSent, StateDstPeerAccepted:
		// The source dropped mid-migration. The session is kept alive
		// only long enough for a destination rendezvous already under
		// way (or about to complete) to finish, not the full
		// T_goahead window.
		s.sourceClosed = true
		s.resetTimerLocked(s.cfg.CompleteTimeout(), s.onDeadlineExpired)
	}
}

// UnbindPendingPeer detaches conn if it is the current pending peer
// connection, returning the migration to SRC-GOAHEAD-SENT so another PEER
// may still rendezvous. The deadline restarts at the full T_goahead, also
// when the source has already dropped; time already spent in the
// migration is not deducted.
func (s *Session) UnbindPendingPeer(conn *telnet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPeer != conn {
		return
	}
	s.pendingPeer = nil
	if s.state == StateDstPeerAccepted {
		s.state = StateSrcGoaheadSent
		s.resetTimerLocked(s.cfg.GoaheadTimeout(), s.onDeadlineExpired)
	}
}

// HandleData appends serial data from the active connection to the
// scrollback ring and fans it out to every subscriber. Data from any other
// connection (a pending peer that hasn't completed the handoff yet, or a
// stale connection) is dropped.
func (s *Session) HandleData(conn *telnet.Connection, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != s.active {
		return
	}
	s.lastActivity = time.Now()
	s.scrollback.Write(data)
	for _, sub := range s.subscribers {
		sub.Enqueue(data)
	}
}

// WriteToActive writes data typed back by a subscriber to the Session's
// active connection (§2: "subscriber input flows in reverse"). A no-op if
// there is no active connection right now.
func (s *Session) WriteToActive(data []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	if _, err := active.WriteData(data); err != nil {
		logger.Debug("session: failed to write subscriber input to active connection: %v", err)
	}
}

// AddSubscriber registers a subscriber sink and replays the scrollback
// contents to it before any live data.
func (s *Session) AddSubscriber(sub *buffer.SubscriberQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
	if snap := s.scrollback.Snapshot(); len(snap) > 0 {
		sub.Enqueue(snap)
	}
}

// RemoveSubscriber unregisters a subscriber sink (on disconnect or
// overflow-triggered eviction).
func (s *Session) RemoveSubscriber(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// SubscriberCount reports the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Idle reports whether the Session has no active connection, no pending
// migration, and no subscribers — the condition under which the idle
// grace period begins counting toward destruction.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == nil && s.pendingPeer == nil && s.state == StateIdle && len(s.subscribers) == 0
}

// IsActive reports whether the Session currently has a bound active
// connection.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// IsMigrating reports whether the Session is anywhere in the migration
// rendezvous state machine.
func (s *Session) IsMigrating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

// IdleSince returns how long the Session has been idle, valid only when
// Idle reports true.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// CloseConnections closes the Session's active and pending-peer
// connections, if any, without otherwise touching migration state. Used by
// Manager.Shutdown during graceful process shutdown: closing a connection
// unblocks its owning goroutine's blocking Read, which runs the ordinary
// UnbindActive/UnbindPendingPeer cleanup on its way out.
func (s *Session) CloseConnections() {
	s.mu.Lock()
	active, peer := s.active, s.pendingPeer
	s.mu.Unlock()

	if active != nil {
		if err := active.Close(); err != nil {
			logger.Debug("session: error closing active connection on shutdown: %v", err)
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			logger.Debug("session: error closing pending peer connection on shutdown: %v", err)
		}
	}
}

// migrationAndName returns the Session's current migration id and VM-NAME
// under its own lock, for Manager bookkeeping (Remove) that must read both
// without racing a concurrent migration-state transition.
func (s *Session) migrationAndName() ([]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrationID, s.vmName
}

func (s *Session) resetTimerLocked(d time.Duration, onExpire func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, onExpire)
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// onDeadlineExpired fires when either T_goahead or T_complete elapses
// without the migration reaching COMPLETE. Either way the session aborts
// back to IDLE and, if a source connection is still attached, resumes it
// as active; an orphaned (sourceClosed) session is left with no active
// connection, eligible for idle-grace destruction.
func (s *Session) onDeadlineExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSrcGoaheadSent && s.state != StateDstPeerAccepted {
		return
	}
	logger.WarnWithFields("session: migration deadline expired, aborting", map[string]interface{}{
		"vm_uuid": s.vmUUID,
		"state":   s.state.String(),
	})
	s.abortLocked()
}

func (s *Session) abortLocked() {
	if s.active != nil {
		if err := vmwareext.SendVMotionAbort(s.active, s.migrationID); err != nil {
			logger.Debug("session: failed to send VMOTION-ABORT: %v", err)
		}
	}
	if s.pendingPeer != nil {
		_ = s.pendingPeer.Close()
		s.pendingPeer = nil
	}
	if s.migrationID != nil && s.manager != nil {
		s.manager.unregisterMigration(s.migrationID)
	}
	s.state = StateIdle
	s.migrationID = nil
	s.migrationSecret = nil
	s.sourceClosed = false
	s.stopTimerLocked()
}

// HandleVMotionBegin processes a VMOTION-BEGIN from the active connection.
// admit decides whether the migration is granted; nil admits
// unconditionally.
func (s *Session) HandleVMotionBegin(conn *telnet.Connection, id []byte, admit AdmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn != s.active || s.state != StateIdle {
		logger.Debug("session: VMOTION-BEGIN ignored outside IDLE/active connection")
		return nil
	}

	s.state = StateSrcBegun
	granted := admit == nil || admit(s.vmUUID, id)
	if !granted {
		s.state = StateIdle
		return vmwareext.SendVMotionNotnow(conn, id)
	}

	secret := make([]byte, 8)
	if _, err := rand.Read(secret); err != nil {
		s.state = StateIdle
		return err
	}

	s.migrationID = append([]byte(nil), id...)
	s.migrationSecret = secret
	s.state = StateSrcGoaheadSent
	s.resetTimerLocked(s.cfg.GoaheadTimeout(), s.onDeadlineExpired)
	if s.manager != nil {
		s.manager.registerMigration(s.migrationID, s)
	}

	return vmwareext.SendVMotionGoahead(conn, id, secret)
}

// HandleVMotionAbort processes a VMOTION-ABORT from the active connection,
// whatever form (bare or carrying an id) it arrived in.
func (s *Session) HandleVMotionAbort(conn *telnet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != s.active {
		return
	}
	if s.state == StateSrcGoaheadSent || s.state == StateDstPeerAccepted {
		s.abortLocked()
	}
}

// tryAcceptPeer is the Manager's entry point once it has looked up the
// Session owning migrationID: it validates the secret and, if correct,
// attaches conn as the pending peer connection.
func (s *Session) tryAcceptPeer(conn *telnet.Connection, id, secret []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSrcGoaheadSent {
		return false
	}
	if subtle.ConstantTimeCompare(s.migrationSecret, secret) != 1 {
		return false
	}

	s.pendingPeer = conn
	s.state = StateDstPeerAccepted
	s.resetTimerLocked(s.cfg.CompleteTimeout(), s.onDeadlineExpired)

	if err := vmwareext.SendVMotionPeerOK(conn, id); err != nil {
		logger.Debug("session: failed to send PEER-OK: %v", err)
	}
	return true
}

// HandleVMotionComplete performs the atomic handoff: the pending peer
// connection becomes active, the old connection is closed, and the
// migration state resets to IDLE. A COMPLETE on any other connection, or
// received after the handoff already happened, is logged and ignored
// (idempotent per the duplicate-COMPLETE failure case).
func (s *Session) HandleVMotionComplete(conn *telnet.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn != s.pendingPeer || s.state != StateDstPeerAccepted {
		logger.Info("session: VMOTION-COMPLETE ignored outside DST-PEER-ACCEPTED on the pending connection")
		return
	}

	old := s.active
	s.active = s.pendingPeer
	s.pendingPeer = nil
	if s.migrationID != nil && s.manager != nil {
		s.manager.unregisterMigration(s.migrationID)
	}
	s.state = StateIdle
	s.migrationID = nil
	s.migrationSecret = nil
	s.sourceClosed = false
	s.stopTimerLocked()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.Debug("session: error closing superseded connection: %v", err)
		}
	}
}
