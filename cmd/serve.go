package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ibrahmsql/vspc/internal/config"
	"github.com/ibrahmsql/vspc/internal/health"
	"github.com/ibrahmsql/vspc/internal/logger"
	"github.com/ibrahmsql/vspc/internal/metrics"
	"github.com/ibrahmsql/vspc/internal/network"
	"github.com/ibrahmsql/vspc/internal/observer"
	"github.com/ibrahmsql/vspc/internal/session"
	"github.com/ibrahmsql/vspc/internal/signals"
	"github.com/ibrahmsql/vspc/internal/telnet"
	"github.com/ibrahmsql/vspc/internal/vmwareext"
	"github.com/ibrahmsql/vspc/internal/worker"
	"github.com/spf13/cobra"
)

// Standard Telnet option numbers (RFC 854/855) the VM-facing listener
// negotiates on every accepted connection, ahead of VMWARE-EXT.
const (
	optionBinary byte = 0
	optionEcho   byte = 1
	optionSGA    byte = 3
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vSPC server",
	Long: `Run the virtual serial port concentrator: a VM-facing Telnet
listener that terminates hypervisor-originated serial port connections and
preserves each VM's logical session across live migration, plus a
subscriber-facing WebSocket listener for admin/monitoring clients.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to vspc configuration file (yaml or json)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mgr := session.NewManager(cfg.Session)
	pool := worker.NewReactorPool(&worker.PoolConfig{
		ReactorCount: cfg.Worker.ReactorCount,
		QueueSize:    256,
		TaskTimeout:  30 * time.Second,
	})
	defer pool.Shutdown(5 * time.Second)

	vmAddr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.ListenPort)
	ln, err := network.Listen(vmAddr, &network.ListenerOptions{
		AdmissionTimeout: cfg.Session.AdmissionTimeout(),
		RateLimit:        cfg.Server.AdmissionRateLimit,
		WriteRateLimit:   cfg.Server.ByteRateLimit,
	})
	if err != nil {
		return fmt.Errorf("listen on %s: %w", vmAddr, err)
	}
	defer ln.Close()
	logger.InfoWithFields("vspc: VM listener started", map[string]interface{}{"address": vmAddr})

	hm := health.NewHealthManager()
	hm.RegisterChecker(health.NewMemoryHealthChecker(1024, 768))
	hm.RegisterChecker(health.NewGoroutineHealthChecker(20000, 10000))
	hm.RegisterChecker(health.NewSessionManagerHealthChecker(func() (active, total int) {
		return mgr.ActiveCount(), mgr.Count()
	}))
	hm.RegisterChecker(health.NewMigrationBacklogHealthChecker(64, 16, mgr.MigrationBacklogCount))
	hm.StartMonitoring(ctx)
	defer hm.StopMonitoring()

	obsSrv := observer.NewServer(mgr, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		aggregated := hm.GetAggregatedHealth()
		w.Header().Set("Content-Type", "application/json")
		if aggregated.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(aggregated)
	})
	mux.Handle("/", obsSrv)

	obsAddr := fmt.Sprintf("%s:%d", cfg.Server.ObserverListenAddr, cfg.Server.ObserverListenPort)
	httpSrv := &http.Server{Addr: obsAddr, Handler: mux}
	go func() {
		logger.InfoWithFields("vspc: observer listener started", map[string]interface{}{"address": obsAddr})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observer listener error: %v", err)
		}
	}()

	sweepTicker := time.NewTicker(cfg.Session.IdleGrace())
	defer sweepTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				if n := mgr.Sweep(); n > 0 {
					logger.InfoWithFields("vspc: idle session sweep", map[string]interface{}{"evicted": n})
				}
			}
		}
	}()

	signals.SetupSignalHandler(func() {
		logger.Info("vspc: shutting down")
		cancel()
	})

	go acceptLoop(ctx, ln, mgr, pool, cfg.Session)

	<-ctx.Done()

	logger.Info("vspc: draining in-flight migrations and closing VM connections")
	mgr.Shutdown(cfg.Session.CompleteTimeout())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	obsSrv.Shutdown()

	return nil
}

func acceptLoop(ctx context.Context, ln *network.Listener, mgr *session.Manager, pool *worker.ReactorPool, sessCfg config.SessionConfig) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Error("vspc: accept error: %v", err)
			continue
		}
		go handleVMConnection(ctx, conn, ln, mgr, pool, sessCfg)
	}
}

// handleVMConnection runs the admission handshake for one accepted
// connection, then pumps its data (once bound to a Session) for the
// connection's lifetime. Every state-touching event of a known Session is
// dispatched through pool keyed by its vm_uuid, so it is handled by the
// single reactor that Session is pinned to. VMOTION-PEER is the exception:
// its Session is only found by the Manager's migration-id lookup, so it is
// dispatched keyed by the migration id.
func handleVMConnection(ctx context.Context, raw *network.Connection, ln *network.Listener, mgr *session.Manager, pool *worker.ReactorPool, sessCfg config.SessionConfig) {
	defer ln.Release()
	defer raw.Close()

	// tconn.Read below blocks on the underlying net.Conn with no
	// context-awareness of its own; closing raw is what unblocks it once
	// the process starts shutting down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-done:
		}
	}()

	tconn := telnet.NewConnection(raw, func(option byte, us bool) bool {
		return option == optionBinary || option == optionEcho || option == optionSGA || option == vmwareext.OptionCode
	})

	tconn.NegotiateUs(optionEcho, true)
	tconn.NegotiateUs(optionSGA, true)
	tconn.NegotiateUs(optionBinary, true)
	tconn.NegotiateThem(optionBinary, true)
	tconn.NegotiateThem(vmwareext.OptionCode, true)

	admission := newAdmissionBinder(ctx, raw, tconn, mgr, pool, sessCfg)
	vext := vmwareext.New(admission.handleEvent)
	if err := vext.Attach(tconn); err != nil {
		logger.Debug("vspc: vmwareext attach failed: %v", err)
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := tconn.Read(buf)
		if n > 0 {
			admission.handleData(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}

	admission.onDisconnect()
}

// admissionBinder buffers data arriving before a Session is bound (the
// VC-UUID hasn't arrived yet) up to a cap, then discards the oldest bytes,
// per the admission edge policy. Once bound, data is handed straight to
// the Session on its pinned reactor.
type admissionBinder struct {
	ctx     context.Context
	raw     *network.Connection
	conn    *telnet.Connection
	mgr     *session.Manager
	pool    *worker.ReactorPool
	cfg     config.SessionConfig
	sess    *session.Session
	pending []byte

	// peerMu guards peerSess: it is written from a reactor goroutine once
	// a VMOTION-PEER claim is accepted (EventVMotionPeer's SubmitFunc
	// closure) and read from this connection's own reading goroutine on a
	// later EventVMotionComplete or on disconnect.
	peerMu   sync.Mutex
	peerSess *session.Session
}

const admissionBufferCap = 64 * 1024

func newAdmissionBinder(ctx context.Context, raw *network.Connection, conn *telnet.Connection, mgr *session.Manager, pool *worker.ReactorPool, cfg config.SessionConfig) *admissionBinder {
	return &admissionBinder{ctx: ctx, raw: raw, conn: conn, mgr: mgr, pool: pool, cfg: cfg}
}

func (a *admissionBinder) setPeerSession(s *session.Session) {
	a.peerMu.Lock()
	a.peerSess = s
	a.peerMu.Unlock()
}

func (a *admissionBinder) getPeerSession() *session.Session {
	a.peerMu.Lock()
	defer a.peerMu.Unlock()
	return a.peerSess
}

// resolvedSession returns the Session this binder's connection belongs to,
// whichever side of the wire it is: a.sess for a source connection bound
// by VC-UUID, or the peer Session recorded once a destination connection's
// VMOTION-PEER was accepted.
func (a *admissionBinder) resolvedSession() *session.Session {
	if a.sess != nil {
		return a.sess
	}
	return a.getPeerSession()
}

func (a *admissionBinder) bind(vcUUID string) {
	if a.sess != nil {
		if vcUUID != a.sess.VMUUID() {
			logger.WarnWithFields("vspc: VC-UUID changed on a bound connection, closing it", map[string]interface{}{"vm_uuid": a.sess.VMUUID()})
			a.raw.Close()
		}
		return
	}
	a.sess = a.mgr.GetOrCreate(vcUUID)
	a.raw.MarkAdmitted()
	metrics.GetGlobalMetrics().IncrementSessionsActive()
	sessionID := a.sess.VMUUID()
	a.pool.SubmitFunc(sessionID, "bind-active", func(context.Context) error {
		a.sess.BindActive(a.conn)
		return nil
	})
	if len(a.pending) > 0 {
		data := a.pending
		a.pending = nil
		a.pool.SubmitFunc(sessionID, "replay-admission-buffer", func(context.Context) error {
			a.sess.HandleData(a.conn, data)
			return nil
		})
	}
}

func (a *admissionBinder) handleData(data []byte) {
	if a.sess == nil {
		a.pending = append(a.pending, data...)
		if len(a.pending) > admissionBufferCap {
			overflow := len(a.pending) - admissionBufferCap
			a.pending = a.pending[overflow:]
		}
		return
	}
	sessionID := a.sess.VMUUID()
	conn := a.conn
	sess := a.sess
	a.pool.SubmitFunc(sessionID, "data", func(context.Context) error {
		sess.HandleData(conn, data)
		return nil
	})
}

func (a *admissionBinder) handleEvent(ev vmwareext.Event) error {
	switch ev.Kind {
	case vmwareext.EventVCUUID:
		a.bind(ev.Text)

	case vmwareext.EventVMName:
		if a.sess == nil {
			return nil
		}
		sess, name := a.sess, ev.Text
		return a.pool.SubmitFunc(sess.VMUUID(), "vm-name", func(context.Context) error {
			sess.SetVMName(name)
			return nil
		})

	case vmwareext.EventVMotionBegin:
		if a.sess == nil {
			return nil
		}
		sessionID, sess, conn, id := a.sess.VMUUID(), a.sess, a.conn, ev.ID
		admit := a.mgr.Admit
		return a.pool.SubmitFunc(sessionID, "vmotion-begin", func(context.Context) error {
			return sess.HandleVMotionBegin(conn, id, admit)
		})

	case vmwareext.EventVMotionAbort:
		if a.sess == nil {
			return nil
		}
		sessionID, sess, conn := a.sess.VMUUID(), a.sess, a.conn
		logger.InfoWithFields("vspc: VMOTION-ABORT received", map[string]interface{}{"vm_uuid": sessionID, "had_id": ev.AbortHadID})
		return a.pool.SubmitFunc(sessionID, "vmotion-abort", func(context.Context) error {
			sess.HandleVMotionAbort(conn)
			return nil
		})

	case vmwareext.EventVMotionPeer:
		id, secret, conn, mgr := ev.ID, ev.Secret, a.conn, a.mgr
		return a.pool.SubmitFunc(string(id), "vmotion-peer", func(context.Context) error {
			if sess, ok := mgr.HandleVMotionPeer(conn, id, secret); ok {
				a.setPeerSession(sess)
			}
			return nil
		})

	case vmwareext.EventVMotionComplete:
		sess := a.resolvedSession()
		if sess == nil {
			return nil
		}
		sessionID, conn := sess.VMUUID(), a.conn
		return a.pool.SubmitFunc(sessionID, "vmotion-complete", func(context.Context) error {
			sess.HandleVMotionComplete(conn)
			return nil
		})
	}
	return nil
}

func (a *admissionBinder) onDisconnect() {
	sess := a.resolvedSession()
	if sess == nil {
		return
	}
	sessionID, conn := sess.VMUUID(), a.conn
	a.pool.SubmitFunc(sessionID, "unbind", func(context.Context) error {
		sess.UnbindActive(conn)
		sess.UnbindPendingPeer(conn)
		return nil
	})
	if a.sess != nil {
		metrics.GetGlobalMetrics().DecrementSessionsActive()
	}
}
