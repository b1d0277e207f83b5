package observer

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ibrahmsql/vspc/internal/config"
	"github.com/ibrahmsql/vspc/internal/session"
	"github.com/ibrahmsql/vspc/internal/telnet"
)

func testConfig() config.SessionConfig {
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

func dialObserver(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	return conn
}

func TestSubscribeByVMUUIDDeliversData(t *testing.T) {
	mgr := session.NewManager(testConfig())
	sess := mgr.GetOrCreate("vm-uuid-1")

	vmSide, _ := net.Pipe()
	active := telnet.NewConnection(vmSide, nil)
	sess.BindActive(active)

	srv := NewServer(mgr, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialObserver(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"vm_uuid": "vm-uuid-1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// Give the handshake a moment to register the subscriber before the VM
	// writes, since HandleData only fans out to subscribers already added.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if sess.SubscriberCount() != 1 {
		t.Fatalf("expected subscriber to be registered, count=%d", sess.SubscriberCount())
	}

	sess.HandleData(active, []byte("hello from the vm"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected serial data frame, got error: %v", err)
	}
	if string(data) != "hello from the vm" {
		t.Fatalf("expected %q, got %q", "hello from the vm", data)
	}
}

func TestSubscribeUnknownVMUUIDIsRejected(t *testing.T) {
	mgr := session.NewManager(testConfig())
	srv := NewServer(mgr, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialObserver(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"vm_uuid": "does-not-exist"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected an error reply before close, got read error: %v", err)
	}
	var reply map[string]string
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply["error"] == "" {
		t.Fatalf("expected error field in reply, got %v", reply)
	}
}

func TestSubscribeMalformedRequestIsRejected(t *testing.T) {
	mgr := session.NewManager(testConfig())
	srv := NewServer(mgr, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialObserver(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("expected an error reply, got read error: %v", err)
	}
}

func TestSubscriberInputForwardsToSessionActiveConnection(t *testing.T) {
	mgr := session.NewManager(testConfig())
	sess := mgr.GetOrCreate("vm-uuid-2")

	vmSide, vmPeer := net.Pipe()
	defer vmSide.Close()
	defer vmPeer.Close()
	sess.BindActive(telnet.NewConnection(vmSide, nil))

	srv := NewServer(mgr, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialObserver(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"vm_uuid": "vm-uuid-2"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("typed back")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	vmPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := vmPeer.Read(buf)
	if err != nil {
		t.Fatalf("expected subscriber input on the active connection, got error: %v", err)
	}
	if string(buf[:n]) != "typed back" {
		t.Fatalf("expected %q on the active connection, got %q", "typed back", buf[:n])
	}
}

func TestServerConnectionCountTracksClients(t *testing.T) {
	mgr := session.NewManager(testConfig())
	mgr.GetOrCreate("vm-uuid-3")

	srv := NewServer(mgr, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialObserver(t, ts.URL)
	if err := conn.WriteJSON(map[string]string{"vm_uuid": "vm-uuid-3"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectionCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if srv.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", srv.ConnectionCount())
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectionCount() != 0 {
		time.Sleep(time.Millisecond)
	}
	if srv.ConnectionCount() != 0 {
		t.Fatalf("expected client to be removed after close, count=%d", srv.ConnectionCount())
	}
}
