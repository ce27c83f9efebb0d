// Package polling implements the request/response pool dialect: JSON-RPC
// 1.0 getwork over HTTP, periodic re-asking at a server-controlled rate,
// and an optional long-poll side channel for immediate work pushes.
package polling

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/work"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger used by the polling client.
func UseLogger(logger slog.Logger) {
	log = logger
}

// extensions advertised via the X-Mining-Extensions request header.
const extensions = "midstate rollntime"

const (
	regularTimeout  = 5 * time.Second
	longpollTimeout = 600 * time.Second

	defaultAskrate   = 10 * time.Second
	defaultRetryrate = 15 * time.Second
	defaultLpaskrate = 0 // disabled: rely solely on long-poll pushes.
	defaultMaxtime   = 60
)

// Client is a PollingClient: JSON-RPC 1.0 getwork over HTTP.
type Client struct {
	host    protocol.Host
	url     *url.URL
	params  url.Values
	version string
	maxtime int

	httpClient *http.Client

	mu            sync.Mutex
	askInterval   time.Duration
	askTimer      *time.Timer
	inFlight      bool
	saidConnected bool
	block         int64
	lp            *longPoller
	stopped       bool
}

// New creates a polling client for the given http(s) getwork URL.
// Recognized query parameters: askrate, retryrate, lpaskrate, maxtime
// (seconds), mirroring the original client's URL-embedded options.
func New(host protocol.Host, rawurl string) (*Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("polling: parse url: %w", err)
	}
	c := &Client{
		host:       host,
		url:        u,
		params:     u.Query(),
		version:    "PollingClient/2.0",
		httpClient: &http.Client{},
	}
	c.maxtime = c.paramInt("maxtime", defaultMaxtime)
	if c.maxtime < 0 {
		c.maxtime = 0
	} else if c.maxtime > 3600 {
		c.maxtime = 3600
	}
	return c, nil
}

func (c *Client) paramInt(name string, def int) int {
	v := c.params.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (c *Client) paramDuration(name string, def time.Duration) time.Duration {
	v := c.params.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// Connect issues the first getwork request.
func (c *Client) Connect() error {
	go c.ask()
	return nil
}

// Disconnect stops periodic asking and any active long-poll. Submissions
// already in flight are not cancelled: each future returned by
// SubmitResult still resolves from its own HTTP response or error.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.askTimer != nil {
		c.askTimer.Stop()
	}
	lp := c.lp
	c.lp = nil
	c.mu.Unlock()

	if lp != nil {
		lp.stop()
	}
}

// RequestWork asks immediately, bypassing the periodic timer.
func (c *Client) RequestWork() {
	go c.ask()
}

// SetMeta is a no-op: the polling dialect has no metadata channel.
func (c *Client) SetMeta(key, value string) {}

// SetVersion sets the User-Agent sent with every request.
func (c *Client) SetVersion(shortname, longname, version, author string) {
	c.version = protocol.FormatVersion(shortname, longname, version, author)
}

// rpcRequest is the JSON-RPC 1.0 envelope the getwork server expects.
type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	ID int `json:"id"`
}

// call performs one JSON-RPC 1.0 POST call against the client's own
// getwork URL and returns the parsed response headers and raw result, or
// an error. A server-reported RPC error surfaces as *ServerMessage.
func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params []interface{}) (http.Header, json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, nil, err
	}
	return c.doRequest(ctx, timeout, c.url, http.MethodPost, bytes.NewReader(body))
}

// callLongpoll issues a bare GET against lpURL, the long-poll side
// channel, which replies with the same getwork result shape once new
// work becomes available (or the server-side timeout elapses).
func (c *Client) callLongpoll(ctx context.Context, timeout time.Duration, lpURL *url.URL) (http.Header, json.RawMessage, error) {
	return c.doRequest(ctx, timeout, lpURL, http.MethodGet, nil)
}

func (c *Client) doRequest(ctx context.Context, timeout time.Duration, target *url.URL, method string, body io.Reader) (http.Header, json.RawMessage, error) {
	path := target.Path
	if path == "" {
		path = "/"
	}
	reqURL := *target
	reqURL.Path = path

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, nil, err
	}
	c.setCommonHeaders(req)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	result, err := parseRPC(data)
	if err != nil {
		return resp.Header, nil, err
	}
	return resp.Header, result, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	if c.url.User != nil {
		password, _ := c.url.User.Password()
		req.SetBasicAuth(c.url.User.Username(), password)
	}
	req.Header.Set("User-Agent", c.version)
	req.Header.Set("X-Work-Identifier", "1")
	req.Header.Set("X-Mining-Extensions", extensions)
}

// ServerMessage is a message the server sent back in an RPC error field,
// to be surfaced to the host via OnMsg rather than treated as a plain
// transport failure.
type ServerMessage struct {
	Text string
}

func (s *ServerMessage) Error() string { return s.Text }

func parseRPC(data []byte) (json.RawMessage, error) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return nil, &ServerMessage{Text: resp.Error.Message}
	}
	return resp.Result, nil
}

// ask runs one getwork request, immediately reschedules itself at the
// current ask interval regardless of outcome, and is safe to call
// concurrently with itself (a call already in flight is a no-op).
func (c *Client) ask() {
	c.mu.Lock()
	if c.inFlight || c.stopped {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.mu.Unlock()

	headers, result, err := c.call(context.Background(), regularTimeout, "getwork", nil)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	if err != nil {
		if sm, ok := err.(*ServerMessage); ok {
			c.host.OnMsg(sm.Text)
		}
		c.onFailure()
		c.rescheduleAsk()
		return
	}

	c.handleWork(result, headers, false)
	c.handleHeaders(headers)
	c.rescheduleAsk()
}

func (c *Client) rescheduleAsk() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.askTimer != nil {
		c.askTimer.Stop()
	}
	if c.askInterval <= 0 {
		c.askTimer = nil
		return
	}
	interval := c.askInterval
	c.askTimer = time.AfterFunc(interval, c.ask)
}

func (c *Client) useAskrate(variable string, def time.Duration) {
	c.mu.Lock()
	c.askInterval = c.paramDuration(variable, def)
	c.mu.Unlock()
	c.rescheduleAsk()
}

func (c *Client) onFailure() {
	c.mu.Lock()
	was := c.saidConnected
	c.saidConnected = false
	lp := c.lp
	c.lp = nil
	c.mu.Unlock()

	if lp != nil {
		lp.stop()
		c.host.OnLongpoll(false)
	}
	if was {
		c.host.OnDisconnect()
	} else {
		c.host.OnFailure()
	}
	c.useAskrate("retryrate", defaultRetryrate)
}

// handleWork decodes one getwork result into an AssignedWork and emits
// it to the host. pushed indicates the work arrived over the long-poll
// side channel rather than a regular ask.
func (c *Client) handleWork(result json.RawMessage, headers http.Header, pushed bool) {
	if len(result) == 0 || string(result) == "null" {
		return
	}

	var payload struct {
		Data       string `json:"data"`
		Target     string `json:"target"`
		Mask       *uint8 `json:"mask"`
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		c.host.OnDebug(fmt.Sprintf("polling: malformed getwork result: %v", err))
		return
	}

	data, err := hex.DecodeString(payload.Data)
	if err != nil || len(data) < 80 {
		c.host.OnDebug("polling: getwork result has malformed data field")
		return
	}
	target, err := hex.DecodeString(payload.Target)
	if err != nil || len(target) != 32 {
		c.host.OnDebug("polling: getwork result has malformed target field")
		return
	}

	maxIncrement := c.rollntimeIncrement(headers)

	var aw work.AssignedWork
	copy(aw.Data[:], data[:80])
	copy(aw.Target[:], target)
	aw.Mask = work.DefaultMask
	if payload.Mask != nil {
		aw.Mask = *payload.Mask
	}
	aw.Time = uint32(maxIncrement)
	ts := binary.BigEndian.Uint32(aw.Data[68:72])
	aw.Maxtime = ts + uint32(maxIncrement)

	if payload.Identifier != "" {
		if id, err := hex.DecodeString(payload.Identifier); err == nil && len(id) <= 32 {
			copy(aw.Identifier[:], id)
		}
	} else {
		copy(aw.Identifier[:], aw.Data[4:36])
	}

	c.mu.Lock()
	firstConnect := !c.saidConnected
	c.saidConnected = true
	c.mu.Unlock()

	if firstConnect {
		c.host.OnConnect()
		c.useAskrate("askrate", defaultAskrate)
	}

	if pushed {
		c.host.OnPush(aw)
	}
	c.host.OnWork(aw)
}

// rollntimeIncrement parses X-Roll-Ntime into a maxtime increment,
// capped at the client's own configured ceiling.
func (c *Client) rollntimeIncrement(headers http.Header) int {
	raw := headers.Get("X-Roll-Ntime")
	maxtime := 0
	if raw != "" {
		lower := strings.ToLower(raw)
		switch {
		case strings.HasPrefix(lower, "expire="):
			n, err := strconv.Atoi(raw[len("expire="):])
			if err != nil {
				maxtime = c.maxtime
			} else {
				maxtime = n
			}
		case isTruthy(lower):
			maxtime = c.maxtime
		case isFalsy(lower):
			maxtime = 0
		default:
			n, err := strconv.Atoi(raw)
			if err != nil {
				maxtime = c.maxtime
			} else {
				maxtime = n
			}
		}
	}
	if maxtime > c.maxtime {
		maxtime = c.maxtime
	}
	return maxtime
}

func isTruthy(s string) bool {
	switch s {
	case "t", "true", "on", "1", "y", "yes":
		return true
	}
	return false
}

func isFalsy(s string) bool {
	switch s {
	case "f", "false", "off", "0", "n", "no":
		return true
	}
	return false
}

// handleHeaders reacts to X-Blocknum (block-change notification) and
// X-Long-Polling (long-poll URL advertisement/withdrawal).
func (c *Client) handleHeaders(headers http.Header) {
	if raw := headers.Get("X-Blocknum"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			c.mu.Lock()
			changed := c.block != n
			c.block = n
			c.mu.Unlock()
			if changed {
				c.host.OnBlock(n)
			}
		}
	}

	lpRaw := headers.Get("X-Long-Polling")
	if lpRaw == "" {
		c.stopLongpoll()
		return
	}

	lpURL, err := c.resolveLongpollURL(lpRaw)
	if err != nil {
		c.host.OnDebug(fmt.Sprintf("polling: malformed long-poll URL %q: %v", lpRaw, err))
		return
	}

	c.mu.Lock()
	existing := c.lp
	c.mu.Unlock()
	if existing != nil && existing.url.String() == lpURL.String() {
		return
	}
	c.stopLongpoll()

	lp := newLongPoller(c, lpURL)
	c.mu.Lock()
	c.lp = lp
	c.mu.Unlock()
	lp.start()
	c.useAskrate("lpaskrate", defaultLpaskrate)
	c.host.OnLongpoll(true)
}

func (c *Client) stopLongpoll() {
	c.mu.Lock()
	lp := c.lp
	c.lp = nil
	c.mu.Unlock()
	if lp != nil {
		lp.stop()
		c.useAskrate("askrate", defaultAskrate)
		c.host.OnLongpoll(false)
	}
}

func (c *Client) resolveLongpollURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = c.url.Scheme
	}
	if u.Host == "" {
		u.Host = c.url.Host
	}
	return u, nil
}

// SubmitResult POSTs the candidate solution as a getwork call with the
// hex-encoded 128-byte payload as its sole parameter. Every call sends
// its own request and returns its own future; byte-identical concurrent
// submissions are not merged onto one future.
func (c *Client) SubmitResult(sub [work.SubmissionLen]byte) *protocol.Future {
	future := protocol.NewFuture()
	go func() {
		headers, result, err := c.call(context.Background(), regularTimeout, "getwork",
			[]interface{}{hex.EncodeToString(sub[:])})
		if err != nil {
			if sm, ok := err.(*ServerMessage); ok {
				c.host.OnMsg(sm.Text)
			}
			future.Resolve(false)
			return
		}

		var accepted bool
		if err := json.Unmarshal(result, &accepted); err != nil {
			c.host.OnDebug("polling: malformed getwork submission response")
			future.Resolve(false)
			return
		}
		if !accepted {
			if reason := headers.Get("X-Reject-Reason"); reason != "" {
				c.host.OnDebug("reject reason: " + reason)
			}
		}
		future.Resolve(accepted)
	}()
	return future
}

// longPoller repeatedly issues a long-lived GET to the advertised
// long-poll URL, feeding every completed response back into handleWork
// as a push, and immediately reopening the connection.
type longPoller struct {
	client *Client
	url    *url.URL

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

func newLongPoller(c *Client, u *url.URL) *longPoller {
	return &longPoller{client: c, url: u}
}

func (lp *longPoller) start() {
	lp.mu.Lock()
	lp.active = true
	lp.mu.Unlock()
	go lp.loop()
}

func (lp *longPoller) stop() {
	lp.mu.Lock()
	lp.active = false
	if lp.cancel != nil {
		lp.cancel()
	}
	lp.mu.Unlock()
}

func (lp *longPoller) loop() {
	for {
		lp.mu.Lock()
		if !lp.active {
			lp.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		lp.cancel = cancel
		lp.mu.Unlock()

		headers, result, err := lp.client.callLongpoll(ctx, longpollTimeout, lp.url)
		cancel()

		lp.mu.Lock()
		stillActive := lp.active
		lp.mu.Unlock()
		if !stillActive {
			return
		}
		if err != nil {
			if sm, ok := err.(*ServerMessage); ok {
				lp.client.host.OnMsg(sm.Text)
			}
			continue
		}
		lp.client.handleWork(result, headers, true)
	}
}
