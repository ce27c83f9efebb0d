// Package statusapi exposes a read-mostly HTTP status surface for the
// work coordination core: queue depth, per-device hash rates, and a
// live websocket tick feed for a dashboard, plus the one authenticated
// write action the operator gets (manually requesting work). The
// out-of-scope management JSON-RPC admin server (§1) is a different
// surface entirely; this one never mutates kernels or protocol state
// beyond RequestWork.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/queue"
	"github.com/phoenix2/phoenix/internal/ratelimit"
)

var log = slog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

// QueueSource reports the WorkQueue's current snapshot.
type QueueSource interface {
	Snapshot() queue.Status
}

// RateSource reports per-device and aggregate kernel hash rates.
type RateSource interface {
	TotalRate() float64
	DeviceRates() []kernel.DeviceRate
}

// DeviceRate is the wire form of one device's rate in a Tick.
type DeviceRate struct {
	DeviceID string  `json:"device_id"`
	KHps     float64 `json:"khps"`
}

// RequestWorker triggers an immediate work request on the active
// protocol client; it is the dashboard's one write action.
type RequestWorker interface {
	RequestWork()
}

// Config configures the dashboard server.
type Config struct {
	Addr string

	// BasicAuthUser/BasicAuthPassHash gate the "request work" action.
	// PassHash is a bcrypt hash, produced with HashPassword.
	BasicAuthUser     string
	BasicAuthPassHash []byte

	// SessionKey authenticates the session cookie; CSRFKey authenticates
	// the CSRF token. Both must be 32 bytes.
	SessionKey []byte
	CSRFKey    []byte

	// TickInterval is how often status ticks are pushed to connected
	// websocket clients.
	TickInterval time.Duration

	// Limiter throttles GET /status requests per remote address; /ws and
	// /requestwork are not throttled. Nil disables throttling.
	Limiter *ratelimit.Limiter
}

// Tick is one status snapshot pushed to websocket subscribers.
type Tick struct {
	Time          int64        `json:"time"`
	QueueBuffered int          `json:"queue_buffered"`
	QueueCurrent  bool         `json:"queue_has_current"`
	QueueIdle     bool         `json:"queue_idle"`
	TotalKHps     float64      `json:"total_khps"`
	Devices       []DeviceRate `json:"devices"`
}

// Server is the dashboard's HTTP+websocket endpoint.
type Server struct {
	cfg     Config
	queue   QueueSource
	rates   RateSource
	worker  RequestWorker
	router  *mux.Router
	store   *sessions.CookieStore
	csrfMid func(http.Handler) http.Handler

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan Tick

	httpServer *http.Server
}

// HashPassword bcrypt-hashes a plaintext dashboard password for Config.BasicAuthPassHash.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// New builds a Server bound to queue and rates sources and the worker
// used for the manual request-work action.
func New(cfg Config, q QueueSource, rates RateSource, worker RequestWorker) *Server {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		queue:  q,
		rates:  rates,
		worker: worker,
		store:  sessions.NewCookieStore(cfg.SessionKey),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]chan Tick),
	}
	s.csrfMid = csrf.Protect(cfg.CSRFKey, csrf.Secure(false))
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.Handle("/requestwork", s.requireAuth(s.csrfMid(http.HandlerFunc(s.handleRequestWork)))).Methods(http.MethodPost)
	return r
}

// requireAuth gates everything behind it on HTTP Basic auth, ahead of
// CSRF validation: an unauthenticated caller never exercises the CSRF
// check at all, and only gets a 401, not a CSRF-specific error that
// would leak which protection layer rejected the request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.BasicAuthUser ||
			bcrypt.CompareHashAndPassword(s.cfg.BasicAuthPassHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="phoenix"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) throttled(r *http.Request) bool {
	if s.cfg.Limiter == nil {
		return false
	}
	return !s.cfg.Limiter.WithinLimit(r.RemoteAddr)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.throttled(r) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) snapshot() Tick {
	qs := s.queue.Snapshot()
	devices := s.rates.DeviceRates()
	wireDevices := make([]DeviceRate, len(devices))
	for i, d := range devices {
		wireDevices[i] = DeviceRate{DeviceID: d.DeviceID, KHps: d.KHps}
	}
	return Tick{
		QueueBuffered: qs.BufferedUnits,
		QueueCurrent:  qs.HasCurrent,
		QueueIdle:     qs.Idle,
		TotalKHps:     s.rates.TotalRate(),
		Devices:       wireDevices,
	}
}

// handleRequestWork is the dashboard's sole write path, reached only
// after requireAuth and CSRF validation have both passed.
func (s *Server) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.store.Get(r, "phoenix-dashboard")
	sess.Values["requested_at"] = time.Now().Unix()
	_ = sess.Save(r, w)

	s.worker.RequestWork()
	log.Infof("statusapi: dashboard requested work on operator demand")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("statusapi: websocket upgrade failed: %v", err)
		return
	}
	ch := make(chan Tick, 1)
	s.mu.Lock()
	s.subs[conn] = ch
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for tick := range ch {
			if err := conn.WriteJSON(tick); err != nil {
				return
			}
		}
	}()
}

func (s *Server) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick := s.snapshot()
			s.mu.Lock()
			for _, ch := range s.subs {
				select {
				case ch <- tick:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

// ListenAndServe starts the HTTP server and tick loop. It blocks until
// the server errors out or Close is called.
func (s *Server) ListenAndServe() error {
	stop := make(chan struct{})
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	s.mu.Unlock()
	go s.tickLoop(stop)
	err := s.httpServer.ListenAndServe()
	close(stop)
	return err
}

// Close shuts the dashboard server down.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpServer
	for conn := range s.subs {
		conn.Close()
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}
