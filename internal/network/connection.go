package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ibrahmsql/vspc/internal/errors"
)

// ConnectionState represents the current state of an accepted TCP
// connection as it moves through the admission pipeline.
type ConnectionState string

const (
	StateAdmitting ConnectionState = "admitting"
	StateAdmitted  ConnectionState = "admitted"
	StateClosing   ConnectionState = "closing"
	StateClosed    ConnectionState = "closed"
)

// ConnectionStats holds statistics for one accepted connection.
type ConnectionStats struct {
	ID           string        `json:"id"`
	LocalAddr    string        `json:"local_addr"`
	RemoteAddr   string        `json:"remote_addr"`
	State        string        `json:"state"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
	BytesRead    int64         `json:"bytes_read"`
	BytesWritten int64         `json:"bytes_written"`
	Duration     time.Duration `json:"duration"`
}

// Connection wraps a raw net.Conn accepted on the VM-facing listener.
// It tracks the bookkeeping the admission pipeline and telnet engine need
// — byte counters, last-activity time, and a per-connection context that
// is cancelled on Close — without adding any outbound-dialing or
// compression machinery the accept-only server has no use for.
type Connection struct {
	conn         net.Conn
	id           string
	state        ConnectionState
	connectedAt  time.Time
	lastActivity time.Time
	bytesRead    int64
	bytesWritten int64
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex

	writeLimiter *RateLimiter
}

// NewConnection wraps conn, assigning it id for logging and metrics.
func NewConnection(conn net.Conn, id string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:         conn,
		id:           id,
		state:        StateAdmitting,
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Read reads from the underlying connection.
func (c *Connection) Read(b []byte) (int, error) {
	n, err := c.conn.Read(b)
	if n > 0 {
		c.mu.Lock()
		c.bytesRead += int64(n)
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
	if err != nil {
		return n, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityMedium, "NET-READ", "connection read failed")
	}
	return n, nil
}

// Write writes to the underlying connection, first waiting for the
// listener's configured byte-rate budget (if any) to admit len(b) bytes.
func (c *Connection) Write(b []byte) (int, error) {
	if c.writeLimiter != nil {
		if err := c.writeLimiter.Wait(c.ctx, len(b)); err != nil {
			return 0, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityMedium, "NET-RATELIMIT", "write rate limit wait failed")
		}
	}
	n, err := c.conn.Write(b)
	if n > 0 {
		c.mu.Lock()
		c.bytesWritten += int64(n)
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
	if err != nil {
		return n, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityMedium, "NET-WRITE", "connection write failed")
	}
	return n, nil
}

// Close closes the connection and cancels its context.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close()
}

// MarkAdmitted transitions the connection out of the admitting state once
// the telnet/VMware-EXT handshake has identified the VM, and clears the
// admission deadline Listener.Accept set — otherwise the bound connection
// would still be force-closed once that deadline elapses.
func (c *Connection) MarkAdmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAdmitting {
		c.state = StateAdmitted
		c.conn.SetDeadline(time.Time{})
	}
}

// LocalAddr returns the local network address.
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *Connection) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline sets the deadline for future Read calls.
func (c *Connection) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the deadline for future Write calls.
func (c *Connection) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// ID returns the connection's assigned ID.
func (c *Connection) ID() string { return c.id }

// Context returns a context cancelled when the connection is closed.
func (c *Connection) Context() context.Context { return c.ctx }

// Stats returns a snapshot of connection statistics.
func (c *Connection) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionStats{
		ID:           c.id,
		LocalAddr:    c.conn.LocalAddr().String(),
		RemoteAddr:   c.conn.RemoteAddr().String(),
		State:        string(c.state),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		BytesRead:    c.bytesRead,
		BytesWritten: c.bytesWritten,
		Duration:     time.Since(c.connectedAt),
	}
}
