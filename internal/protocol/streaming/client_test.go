package streaming

import (
	"bufio"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phoenix2/phoenix/internal/work"
)

// recordingHost captures every callback invocation for assertions.
type recordingHost struct {
	mu        sync.Mutex
	connects  int
	disconns  int
	failures  int
	msgs      []string
	blocks    []int64
	workUnits []work.AssignedWork
	debugs    []string
}

func (h *recordingHost) OnConnect()    { h.mu.Lock(); h.connects++; h.mu.Unlock() }
func (h *recordingHost) OnDisconnect() { h.mu.Lock(); h.disconns++; h.mu.Unlock() }
func (h *recordingHost) OnFailure()    { h.mu.Lock(); h.failures++; h.mu.Unlock() }
func (h *recordingHost) OnMsg(text string) {
	h.mu.Lock()
	h.msgs = append(h.msgs, text)
	h.mu.Unlock()
}
func (h *recordingHost) OnBlock(n int64) {
	h.mu.Lock()
	h.blocks = append(h.blocks, n)
	h.mu.Unlock()
}
func (h *recordingHost) OnWork(aw work.AssignedWork) {
	h.mu.Lock()
	h.workUnits = append(h.workUnits, aw)
	h.mu.Unlock()
}
func (h *recordingHost) OnPush(work.AssignedWork)  {}
func (h *recordingHost) OnLongpoll(active bool)    {}
func (h *recordingHost) OnDebug(text string) {
	h.mu.Lock()
	h.debugs = append(h.debugs, text)
	h.mu.Unlock()
}

func (h *recordingHost) connectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

func (h *recordingHost) workCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workUnits)
}

func (h *recordingHost) lastWork() work.AssignedWork {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workUnits[len(h.workUnits)-1]
}

// fakeServer accepts exactly one connection and hands its reader/writer
// to the supplied handler on a background goroutine.
func fakeServer(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(bufio.NewReader(conn), conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestConnectSendsLoginAndMeta(t *testing.T) {
	var loginLine string
	var metaLines []string
	var mu sync.Mutex
	ready := make(chan struct{})

	addr := fakeServer(t, func(r *bufio.Reader, w net.Conn) {
		loginLine = readLine(t, r)
		mu.Lock()
		for i := 0; i < 1; i++ {
			metaLines = append(metaLines, readLine(t, r))
		}
		mu.Unlock()
		close(ready)
	})

	host := &recordingHost{}
	c, err := New(host, "mmp://alice:secret@"+addr+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for login/meta lines")
	}

	if loginLine != "LOGIN alice :secret" {
		t.Fatalf("login line = %q", loginLine)
	}
	if len(metaLines) != 1 || !strings.HasPrefix(metaLines[0], "META version :") {
		t.Fatalf("meta lines = %v", metaLines)
	}

	for host.connectCount() == 0 {
		time.Sleep(time.Millisecond)
	}
}

func TestWorkCommandProducesAssignedWork(t *testing.T) {
	header := make([]byte, 80)
	for i := range header {
		header[i] = byte(i)
	}
	headerHex := hex.EncodeToString(header)

	addr := fakeServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(t, r) // LOGIN
		readLine(t, r) // META version
		w.Write([]byte("TARGET " + strings.Repeat("ff", 32) + "\r\n"))
		w.Write([]byte("TIME 60\r\n"))
		w.Write([]byte("WORK " + headerHex + " 32\r\n"))
	})

	host := &recordingHost{}
	c, err := New(host, "mmp://bob:pw@"+addr+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	deadline := time.After(2 * time.Second)
	for host.workCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for OnWork")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	aw := host.lastWork()
	if hex.EncodeToString(aw.Data[:]) != headerHex {
		t.Fatalf("work data mismatch")
	}
	if aw.Mask != 32 {
		t.Fatalf("Mask = %d, want 32", aw.Mask)
	}
	if aw.Time != 60 {
		t.Fatalf("Time = %d, want 60", aw.Time)
	}
	for _, b := range aw.Target {
		if b != 0xff {
			t.Fatalf("target not propagated from TARGET command: %x", aw.Target)
		}
	}
}

func TestSubmitResultDedupAndAck(t *testing.T) {
	var resultHex string
	seenOnce := make(chan struct{})

	addr := fakeServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(t, r) // LOGIN
		readLine(t, r) // META version
		line := readLine(t, r)
		resultHex = strings.TrimPrefix(line, "RESULT ")
		close(seenOnce)
		w.Write([]byte("ACCEPTED " + resultHex + "\r\n"))
	})

	host := &recordingHost{}
	c, err := New(host, "mmp://carol:pw@"+addr+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	var sub [work.SubmissionLen]byte
	sub[0] = 0xAB

	f1 := c.SubmitResult(sub)
	f2 := c.SubmitResult(sub) // duplicate: must share f1's future, not send twice

	select {
	case <-seenOnce:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a RESULT line")
	}

	if !f1.Wait() {
		t.Fatalf("first future should resolve true")
	}
	if !f2.Wait() {
		t.Fatalf("duplicate future should resolve true too (shared future)")
	}
	if resultHex != hex.EncodeToString(sub[:]) {
		t.Fatalf("result hex mismatch")
	}
}

func TestDisconnectPurgesOutstandingFutures(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(t, r) // LOGIN
		readLine(t, r) // META version
		readLine(t, r) // RESULT
		// Deliberately never reply; the client disconnect must purge.
	})

	host := &recordingHost{}
	c, err := New(host, "mmp://dave:pw@"+addr+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var sub [work.SubmissionLen]byte
	sub[0] = 0xCD
	future := c.SubmitResult(sub)

	time.Sleep(50 * time.Millisecond) // let the RESULT line actually land
	c.Disconnect()

	if future.Wait() {
		t.Fatalf("outstanding future must resolve false on disconnect")
	}
}

func TestMalformedCommandIsIgnoredNotFatal(t *testing.T) {
	addr := fakeServer(t, func(r *bufio.Reader, w net.Conn) {
		readLine(t, r) // LOGIN
		readLine(t, r) // META version
		w.Write([]byte("WORK nothex\r\n"))
		w.Write([]byte("MSG :hello there\r\n"))
	})

	host := &recordingHost{}
	c, err := New(host, "mmp://eve:pw@"+addr+"/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	deadline := time.After(2 * time.Second)
	for {
		host.mu.Lock()
		got := len(host.msgs) > 0
		host.mu.Unlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for MSG to survive the preceding malformed WORK")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.msgs) != 1 || host.msgs[0] != "hello there" {
		t.Fatalf("msgs = %v", host.msgs)
	}
	if len(host.debugs) == 0 {
		t.Fatalf("malformed WORK should have produced a debug event")
	}
}
