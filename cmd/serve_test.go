package cmd

import (
	"net"
	"testing"
	"time"

	"github.com/ibrahmsql/vspc/internal/config"
	"github.com/ibrahmsql/vspc/internal/network"
	"github.com/ibrahmsql/vspc/internal/session"
	"github.com/ibrahmsql/vspc/internal/telnet"
	"github.com/ibrahmsql/vspc/internal/vmwareext"
	"github.com/ibrahmsql/vspc/internal/worker"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		AdmissionTimeoutS:       10,
		TGoaheadS:               300,
		TPeerS:                  30,
		TCompleteS:              300,
		SessionIdleGraceS:       60,
		ScrollbackBytes:         4096,
		PerSubscriberQueueBytes: 65536,
	}
}

func newTestBinder(t *testing.T) (*admissionBinder, *session.Manager, *worker.ReactorPool) {
	t.Helper()
	mgr := session.NewManager(testSessionConfig())
	pool := worker.NewReactorPool(&worker.PoolConfig{ReactorCount: 2, QueueSize: 16, TaskTimeout: time.Second})
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	side, _ := net.Pipe()
	t.Cleanup(func() { side.Close() })
	tconn := telnet.NewConnection(side, nil)
	raw := network.NewConnection(side, "test-conn")

	binder := newAdmissionBinder(t.Context(), raw, tconn, mgr, pool, testSessionConfig())
	return binder, mgr, pool
}

func TestAdmissionBinderBuffersDataBeforeBind(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	binder.handleData([]byte("hello"))
	binder.handleData([]byte(" world"))

	if string(binder.pending) != "hello world" {
		t.Fatalf("expected pending buffer to accumulate, got %q", binder.pending)
	}
}

func TestAdmissionBinderDiscardsOldestBytesOnOverflow(t *testing.T) {
	binder, _, _ := newTestBinder(t)

	first := make([]byte, admissionBufferCap-10)
	for i := range first {
		first[i] = 'a'
	}
	binder.handleData(first)

	overflow := []byte("0123456789012345678901234567890")
	binder.handleData(overflow)

	if len(binder.pending) != admissionBufferCap {
		t.Fatalf("expected pending buffer capped at %d, got %d", admissionBufferCap, len(binder.pending))
	}
	tail := string(binder.pending[len(binder.pending)-len(overflow):])
	if tail != string(overflow) {
		t.Fatalf("expected newest bytes retained, got tail %q", tail)
	}
}

func TestAdmissionBinderBindFlushesPendingBuffer(t *testing.T) {
	binder, mgr, _ := newTestBinder(t)

	binder.handleData([]byte("buffered before bind"))
	binder.bind("vm-uuid-bind-test")

	if binder.sess == nil {
		t.Fatal("expected a Session to be bound")
	}
	if binder.pending != nil {
		t.Fatalf("expected pending buffer cleared after bind, got %q", binder.pending)
	}

	sess, ok := mgr.Get("vm-uuid-bind-test")
	if !ok || sess != binder.sess {
		t.Fatal("expected manager to track the bound Session by vm_uuid")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sess.IsActive() {
		time.Sleep(time.Millisecond)
	}
	if !sess.IsActive() {
		t.Fatal("expected Session to have an active connection bound via the reactor pool")
	}
}

func TestAdmissionBinderBindIsIdempotent(t *testing.T) {
	binder, mgr, _ := newTestBinder(t)

	binder.bind("vm-uuid-idempotent")
	first := binder.sess
	binder.bind("some-other-uuid")

	if binder.sess != first {
		t.Fatal("expected a second bind to leave the bound Session unchanged")
	}
	if _, ok := mgr.Get("some-other-uuid"); ok {
		t.Fatal("expected the second vc_uuid to never create a Session")
	}
}

func TestAdmissionBinderHandleEventSetsVMName(t *testing.T) {
	binder, _, _ := newTestBinder(t)
	binder.bind("vm-uuid-name-test")

	if err := binder.handleEvent(vmwareext.Event{Kind: vmwareext.EventVMName, Text: "my-vm"}); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && binder.sess.VMName() != "my-vm" {
		time.Sleep(time.Millisecond)
	}
	if got := binder.sess.VMName(); got != "my-vm" {
		t.Fatalf("expected vm_name %q, got %q", "my-vm", got)
	}
}

func TestAdmissionBinderHandleEventVCUUIDBindsSession(t *testing.T) {
	binder, mgr, _ := newTestBinder(t)

	if err := binder.handleEvent(vmwareext.Event{Kind: vmwareext.EventVCUUID, Text: "vm-uuid-from-event"}); err != nil {
		t.Fatalf("handleEvent: %v", err)
	}
	if binder.sess == nil {
		t.Fatal("expected EventVCUUID to bind a Session")
	}
	if _, ok := mgr.Get("vm-uuid-from-event"); !ok {
		t.Fatal("expected manager to track the Session bound from the event")
	}
}

func TestAdmissionBinderOnDisconnectUnbindsBoundSession(t *testing.T) {
	binder, _, _ := newTestBinder(t)
	binder.bind("vm-uuid-disconnect-test")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !binder.sess.IsActive() {
		time.Sleep(time.Millisecond)
	}

	binder.onDisconnect()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && binder.sess.IsActive() {
		time.Sleep(time.Millisecond)
	}
	if binder.sess.IsActive() {
		t.Fatal("expected Session to be unbound after disconnect")
	}
}

func TestAdmissionBinderOnDisconnectWithoutBindIsNoop(t *testing.T) {
	binder, _, _ := newTestBinder(t)
	binder.onDisconnect()
}
