package server

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codex-loop/log"
)

func init() {
	log.Initialize()
}

type fakeOrchestrator struct {
	mu     sync.Mutex
	inputs []string
	state  string
	alive  bool
}

func (f *fakeOrchestrator) SendInput(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeOrchestrator) StateName() string { return f.state }
func (f *fakeOrchestrator) IsAlive() bool     { return f.alive }

func (f *fakeOrchestrator) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.inputs))
	copy(out, f.inputs)
	return out
}

func startTestServer(t *testing.T) (*Server, *fakeOrchestrator, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	orch := &fakeOrchestrator{state: "idle", alive: true}
	srv := New(socketPath, orch)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, orch, socketPath
}

func dial(t *testing.T, socketPath string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func readReply(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("unmarshal reply %q: %v", line, err)
	}
	return reply
}

func TestStatusRequest(t *testing.T) {
	_, _, socketPath := startTestServer(t)
	conn, r := dial(t, socketPath)

	if _, err := conn.Write([]byte(`{"type":"status"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readReply(t, r)
	if reply["type"] != "status" {
		t.Errorf("type = %v, want status", reply["type"])
	}
	if reply["state"] != "idle" {
		t.Errorf("state = %v, want idle", reply["state"])
	}
	if reply["is_alive"] != true {
		t.Errorf("is_alive = %v, want true", reply["is_alive"])
	}
}

func TestInputForwarded(t *testing.T) {
	_, orch, socketPath := startTestServer(t)
	conn, r := dial(t, socketPath)

	if _, err := conn.Write([]byte(`{"type":"input","content":"hello"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write([]byte(`{"type":"command","content":"/compact"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A status request serves as a barrier: once its reply arrives, the
	// preceding messages have been dispatched.
	if _, err := conn.Write([]byte(`{"type":"status"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, r)

	got := orch.received()
	if len(got) != 2 || got[0] != "hello" || got[1] != "/compact" {
		t.Errorf("received = %v", got)
	}
}

func TestMalformedMessage(t *testing.T) {
	_, orch, socketPath := startTestServer(t)
	conn, r := dial(t, socketPath)

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, r)
	if reply["type"] != "error" {
		t.Errorf("type = %v, want error", reply["type"])
	}

	// The connection survives the error.
	if _, err := conn.Write([]byte(`{"type":"input","content":"still here"}` + "\n")); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if _, err := conn.Write([]byte(`{"type":"status"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readReply(t, r)

	got := orch.received()
	if len(got) != 1 || got[0] != "still here" {
		t.Errorf("received = %v", got)
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, _, socketPath := startTestServer(t)
	conn, r := dial(t, socketPath)

	if _, err := conn.Write([]byte(`{"type":"resize","content":"80x24"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readReply(t, r)
	if reply["type"] != "error" {
		t.Errorf("type = %v, want error", reply["type"])
	}
}

// waitForClients blocks until the server has registered n connections.
func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		got := len(srv.clients)
		srv.mu.Unlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("clients registered = %d, want %d", got, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	srv, _, socketPath := startTestServer(t)

	conn1, r1 := dial(t, socketPath)
	conn2, r2 := dial(t, socketPath)
	_ = conn1
	_ = conn2

	waitForClients(t, srv, 2)

	srv.Broadcast(map[string]any{"type": "output", "content": "chunk"})

	for i, r := range []*bufio.Reader{r1, r2} {
		reply := readReply(t, r)
		if reply["type"] != "output" || reply["content"] != "chunk" {
			t.Errorf("client %d got %v", i, reply)
		}
	}
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	srv, _, socketPath := startTestServer(t)

	// A stalled client: registered, full queue, no write loop draining it.
	p1, p2 := net.Pipe()
	t.Cleanup(func() { _ = p1.Close(); _ = p2.Close() })
	stalled := &client{
		conn:      p1,
		send:      make(chan []byte, clientQueueSize),
		done:      make(chan struct{}),
		dropEvery: log.NewEvery(time.Minute),
	}
	for i := 0; i < clientQueueSize; i++ {
		stalled.send <- []byte("backlog\n")
	}
	srv.mu.Lock()
	srv.clients[stalled] = struct{}{}
	srv.mu.Unlock()

	conn, r := dial(t, socketPath)
	_ = conn
	waitForClients(t, srv, 2)

	done := make(chan struct{})
	go func() {
		srv.Broadcast(map[string]any{"type": "output", "content": "chunk"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full client queue")
	}

	// The healthy client still gets the event; the stalled one dropped it.
	reply := readReply(t, r)
	if reply["type"] != "output" || reply["content"] != "chunk" {
		t.Errorf("healthy client got %v", reply)
	}
	if n := len(stalled.send); n != clientQueueSize {
		t.Errorf("stalled queue length = %d, want %d (drop-new)", n, clientQueueSize)
	}
}

func TestOversizedLineGetsErrorReply(t *testing.T) {
	_, orch, socketPath := startTestServer(t)
	conn, r := dial(t, socketPath)

	// One line past the scanner's 1 MiB cap breaks the stream; the server
	// owes the client an error reply before hanging up.
	junk := make([]byte, 1024*1024+16)
	for i := range junk {
		junk[i] = 'a'
	}
	if _, err := conn.Write(junk); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readReply(t, r)
	if reply["type"] != "error" {
		t.Errorf("type = %v, want error", reply["type"])
	}

	// The connection is closed afterwards and nothing was forwarded.
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("expected connection to be closed after read failure")
	}
	if got := orch.received(); len(got) != 0 {
		t.Errorf("received = %v, want none", got)
	}
}
