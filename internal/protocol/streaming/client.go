// Package streaming implements the persistent, line-oriented pool
// dialect (scheme "mmp://"): CRLF-terminated, space-tokenized commands
// with IRC-style trailing-argument syntax, automatic reconnection with
// exponential backoff, and submission-ack correlation by exact payload
// bytes.
package streaming

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/work"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger used by the streaming client.
func UseLogger(logger slog.Logger) {
	log = logger
}

const (
	defaultPort    = 8880
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 60 * time.Second
	lineDelim      = "\r\n"
)

// defaultTarget is used until the server sends its first TARGET command.
var defaultTarget = [32]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00,
}

// Client is a StreamingClient: a persistent TCP connection speaking the
// line-oriented mmp dialect.
type Client struct {
	host     protocol.Host
	addr     string
	username string
	password string

	metaMu sync.Mutex
	meta   map[string]string

	pending *protocol.PendingSubmissions

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	active    bool // callbacks active; false after Disconnect.
	backoff   time.Duration
	target    [32]byte
	timeIncr  uint32
	metaSent  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a streaming client for the given mmp:// URL. Query
// parameters on the URL become initial metadata variables.
func New(host protocol.Host, rawurl string) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("streaming: parse url: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	username := ""
	password := ""
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	meta := map[string]string{"version": "Phoenix/2.0"}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			meta[k] = vs[0]
		}
	}

	return &Client{
		host:     host,
		addr:     net.JoinHostPort(u.Hostname(), port),
		username: username,
		password: password,
		meta:     meta,
		pending:  protocol.NewPendingSubmissions(),
		backoff:  initialBackoff,
		target:   defaultTarget,
		stopCh:   make(chan struct{}),
	}, nil
}

// Connect begins the dial-and-reconnect loop. It returns once the first
// dial attempt has been kicked off; connection success/failure are
// reported asynchronously via Host.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop()
	return nil
}

// Disconnect tears the connection down permanently and resolves all
// outstanding submission futures to false.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.active = false
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	c.pending.PurgeAll()
	c.wg.Wait()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", c.addr, 15*time.Second)
		if err != nil {
			log.Warnf("streaming: dial %s failed: %v", c.addr, err)
			c.host.OnFailure()
			if !c.sleepBackoff() {
				return
			}
			continue
		}

		log.Infof("streaming: connected to %s", c.addr)
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.metaSent = false
		c.mu.Unlock()

		c.host.OnConnect()
		c.login()

		c.readLoop(conn) // blocks until the connection dies.

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		active := c.active
		c.mu.Unlock()

		log.Infof("streaming: disconnected from %s", c.addr)
		c.pending.PurgeAll()
		c.host.OnDisconnect()

		if !active {
			return
		}
		if !c.sleepBackoff() {
			return
		}
	}
}

func (c *Client) sleepBackoff() bool {
	c.mu.Lock()
	d := c.backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	c.mu.Unlock()

	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff = initialBackoff
	c.mu.Unlock()
}

func (c *Client) login() {
	c.sendLine(fmt.Sprintf("LOGIN %s :%s", c.username, c.password))

	c.metaMu.Lock()
	meta := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		meta[k] = v
	}
	c.metaMu.Unlock()

	for k, v := range meta {
		c.sendMeta(k, v)
	}
	c.mu.Lock()
	c.metaSent = true
	c.mu.Unlock()
}

func (c *Client) sendMeta(variable, value string) {
	colon := ":"
	if _, err := strconv.Atoi(value); err == nil {
		colon = ""
	}
	c.sendLine(fmt.Sprintf("META %s %s%s", variable, colon, value))
}

func (c *Client) sendLine(line string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, _ = conn.Write([]byte(line + lineDelim))
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(4 * time.Minute))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		c.handleLine(line)
	}
}

// handleLine parses one IRC-style line: space-separated tokens, with a
// final token beginning with ':' consuming the rest of the line
// verbatim. Unknown commands, or commands whose arity/types don't
// convert, are dropped without a msg or failure event; each is reported
// only as an OnDebug note and a debug log line (§7 ProtocolParse).
func (c *Client) handleLine(line string) {
	halves := strings.SplitN(line, " :", 2)
	args := strings.Split(halves[0], " ")
	if len(halves) == 2 {
		args = append(args, halves[1])
	}
	if len(args) == 0 {
		return
	}
	cmd := args[0]
	args = args[1:]

	switch cmd {
	case "MSG":
		if len(args) != 1 {
			c.illegal(cmd, args)
			return
		}
		c.host.OnMsg(args[0])

	case "TARGET":
		if len(args) != 1 {
			c.illegal(cmd, args)
			return
		}
		t, err := hex.DecodeString(args[0])
		if err != nil || len(t) != 32 {
			c.illegal(cmd, args)
			return
		}
		c.mu.Lock()
		copy(c.target[:], t)
		c.mu.Unlock()

	case "WORK":
		if len(args) != 2 {
			c.illegal(cmd, args)
			return
		}
		data, err := hex.DecodeString(args[0])
		mask, err2 := strconv.Atoi(args[1])
		if err != nil || err2 != nil || len(data) != 80 {
			c.illegal(cmd, args)
			return
		}
		var aw work.AssignedWork
		copy(aw.Data[:], data)
		c.mu.Lock()
		aw.Target = c.target
		timeIncr := c.timeIncr
		c.mu.Unlock()
		aw.Mask = uint8(mask)
		aw.Time = timeIncr
		copy(aw.Identifier[:], aw.Data[4:36])
		tsNow := uint32FromBigEndian(aw.Data[68:72])
		aw.Maxtime = tsNow + timeIncr

		c.host.OnWork(aw)
		c.resetBackoff()

	case "BLOCK":
		if len(args) != 1 {
			c.illegal(cmd, args)
			return
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			c.illegal(cmd, args)
			return
		}
		c.host.OnBlock(n)

	case "ACCEPTED":
		c.resolveResult(cmd, args, true)

	case "REJECTED":
		c.resolveResult(cmd, args, false)

	case "TIME":
		if len(args) != 1 {
			c.illegal(cmd, args)
			return
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			c.illegal(cmd, args)
			return
		}
		c.mu.Lock()
		c.timeIncr = uint32(n)
		c.mu.Unlock()

	default:
		c.illegal(cmd, args)
	}
}

func (c *Client) resolveResult(cmd string, args []string, accepted bool) {
	if len(args) != 1 {
		c.illegal(cmd, args)
		return
	}
	data, err := hex.DecodeString(args[0])
	if err != nil || len(data) != work.SubmissionLen {
		c.illegal(cmd, args)
		return
	}
	var sub [work.SubmissionLen]byte
	copy(sub[:], data)
	c.pending.Resolve(sub, accepted)
}

func (c *Client) illegal(cmd string, args []string) {
	msg := fmt.Sprintf("ignoring malformed command %s: %s", cmd, spew.Sdump(args))
	log.Debugf("streaming: %s", msg)
	c.host.OnDebug(msg)
}

func uint32FromBigEndian(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// RequestWork sends MORE if connected; otherwise it is a no-op, since the
// server will push fresh work on the next login.
func (c *Client) RequestWork() {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		c.sendLine("MORE")
	}
}

// SubmitResult sends RESULT <hex> and returns a future resolved by a
// subsequent ACCEPTED/REJECTED whose payload matches exactly.
func (c *Client) SubmitResult(sub [work.SubmissionLen]byte) *protocol.Future {
	future, created := c.pending.Submit(sub)
	if created {
		c.sendLine("RESULT " + hex.EncodeToString(sub[:]))
	}
	return future
}

// SetMeta stores var/value and, if already logged in, sends it
// immediately.
func (c *Client) SetMeta(variable, value string) {
	c.metaMu.Lock()
	c.meta[variable] = value
	c.metaMu.Unlock()

	c.mu.Lock()
	sent := c.metaSent
	c.mu.Unlock()
	if sent {
		c.sendMeta(variable, value)
	}
}

// SetVersion sets the "version" meta variable.
func (c *Client) SetVersion(shortname, longname, version, author string) {
	c.SetMeta("version", protocol.FormatVersion(shortname, longname, version, author))
}
