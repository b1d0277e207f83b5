package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ibrahmsql/vspc/internal/errors"
	"github.com/ibrahmsql/vspc/internal/logger"
	"golang.org/x/time/rate"
)

// ListenerOptions configures the VM-facing accept loop.
type ListenerOptions struct {
	AdmissionTimeout time.Duration // deadline for the Telnet/VMware-EXT handshake
	RateLimit        string        // admission rate, e.g. "50/s"; empty disables limiting
	WriteRateLimit   string        // per-connection byte write rate, e.g. "1MB/s"; empty disables limiting
}

// DefaultListenerOptions returns sensible accept-loop defaults.
func DefaultListenerOptions() *ListenerOptions {
	return &ListenerOptions{
		AdmissionTimeout: 10 * time.Second,
	}
}

// ListenerStats holds accept-loop statistics.
type ListenerStats struct {
	StartedAt           time.Time `json:"started_at"`
	ConnectionsTotal    int64 `json:"connections_total"`
	ConnectionsActive   int64 `json:"connections_active"`
	ConnectionsRejected int64 `json:"connections_rejected"`
}

// Listener wraps a net.Listener bound to the VM-facing Telnet port. Every
// accepted connection is handed an admission deadline and assigned an ID
// before being returned — the caller (the session admission pipeline)
// still owns the Telnet/VMware-EXT handshake itself.
type Listener struct {
	listener     net.Listener
	opts         *ListenerOptions
	admitter     *AdmissionLimiter
	writeLimiter *RateLimiter

	mu      sync.RWMutex
	closed  bool
	stats   ListenerStats
	nextID  int64
}

// Listen binds a TCP listener on address for accepting VM serial-port
// connections.
func Listen(address string, opts *ListenerOptions) (*Listener, error) {
	if opts == nil {
		opts = DefaultListenerOptions()
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityHigh, "NET-LISTEN", fmt.Sprintf("failed to listen on %s", address))
	}

	var admitter *AdmissionLimiter
	if opts.RateLimit != "" {
		admitter, err = NewAdmissionLimiter(opts.RateLimit)
		if err != nil {
			ln.Close()
			return nil, err
		}
	}

	writeLimiter, err := NewRateLimiter(opts.WriteRateLimit)
	if err != nil {
		ln.Close()
		return nil, errors.ConfigError("CFG-WRITE-RATE", fmt.Sprintf("invalid write rate limit %q: %v", opts.WriteRateLimit, err))
	}

	logger.InfoWithFields("listener started", map[string]interface{}{
		"address": address,
	})

	return &Listener{
		listener:     ln,
		opts:         opts,
		admitter:     admitter,
		writeLimiter: writeLimiter,
		stats:        ListenerStats{StartedAt: time.Now()},
	}, nil
}

// Accept waits for and returns the next connection, applying the
// admission rate limiter and an admission deadline. Returns
// errors.ErrAdmissionTimeout-wrapped errors never occur here — the
// admission timeout is enforced by the caller via the connection's
// deadline, not by Accept itself.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return nil, errors.TransportError("NET-CLOSED", "listener is closed")
	}

	conn, err := l.listener.Accept()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeTransport, errors.SeverityHigh, "NET-ACCEPT", "failed to accept connection")
	}

	if l.admitter != nil && !l.admitter.Allow() {
		l.mu.Lock()
		l.stats.ConnectionsRejected++
		l.mu.Unlock()
		logger.Warn("admission rate limit exceeded, rejecting %s", conn.RemoteAddr())
		conn.Close()
		return nil, errors.ResourceExhaustionError("NET-ADMIT-RATE", "admission rate limit exceeded")
	}

	id := fmt.Sprintf("conn-%d", atomic.AddInt64(&l.nextID, 1))

	l.mu.Lock()
	l.stats.ConnectionsTotal++
	l.stats.ConnectionsActive++
	l.mu.Unlock()

	wrapped := NewConnection(conn, id)
	wrapped.writeLimiter = l.writeLimiter
	if l.opts.AdmissionTimeout > 0 {
		wrapped.SetDeadline(time.Now().Add(l.opts.AdmissionTimeout))
	}

	logger.InfoWithFields("connection accepted", map[string]interface{}{
		"id":          id,
		"remote_addr": conn.RemoteAddr().String(),
	})

	return wrapped, nil
}

// Release decrements the active-connection count when a connection this
// Listener accepted is torn down.
func (l *Listener) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stats.ConnectionsActive > 0 {
		l.stats.ConnectionsActive--
	}
}

// Close closes the listener.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Stats returns a snapshot of accept-loop statistics.
func (l *Listener) Stats() ListenerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// AdmissionLimiter rate-limits new-connection admission, independent of
// the byte-rate RateLimiter used once a connection is established.
type AdmissionLimiter struct {
	limiter *rate.Limiter
}

// NewAdmissionLimiter parses a "<n>/s" rate string (e.g. "50/s") into a
// token-bucket connection-rate limiter with a burst of the same size.
func NewAdmissionLimiter(rateStr string) (*AdmissionLimiter, error) {
	n, err := parseAdmissionRate(rateStr)
	if err != nil {
		return nil, errors.ConfigError("CFG-ADMIT-RATE", fmt.Sprintf("invalid admission rate %q: %v", rateStr, err))
	}
	return &AdmissionLimiter{
		limiter: rate.NewLimiter(rate.Limit(n), n),
	}, nil
}

// Allow reports whether a new connection may be admitted right now.
func (a *AdmissionLimiter) Allow() bool {
	if a == nil {
		return true
	}
	return a.limiter.Allow()
}

func parseAdmissionRate(rateStr string) (int, error) {
	var n int
	_, err := fmt.Sscanf(rateStr, "%d/s", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected format '<positive integer>/s', got %q", rateStr)
	}
	return n, nil
}
