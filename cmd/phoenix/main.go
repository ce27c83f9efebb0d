// Command phoenix runs the work coordination core standalone: it
// connects to one pool URL, keeps the WorkQueue filled, runs the
// reference CPU kernel against whatever devices were requested, and
// serves a read-mostly status dashboard.
package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/slog"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/kernel/cpu"
	"github.com/phoenix2/phoenix/internal/protocol"
	"github.com/phoenix2/phoenix/internal/protocol/polling"
	"github.com/phoenix2/phoenix/internal/protocol/streaming"
	"github.com/phoenix2/phoenix/internal/queue"
	"github.com/phoenix2/phoenix/internal/ratelimit"
	"github.com/phoenix2/phoenix/internal/statusapi"
	"github.com/phoenix2/phoenix/internal/store"
)

var log slog.Logger = slog.Disabled

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "phoenix:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.HomeDir, cfg.Debug); err != nil {
		return err
	}
	log = backendLog.Logger("main")
	if lvl, ok := slog.LevelFromString(cfg.Debug); ok {
		log.SetLevel(lvl)
	}
	defer logRotator.Close()

	st, err := store.Open(filepath.Join(cfg.HomeDir, defaultDataDirname, "phoenix.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	slot := &clientSlot{}

	q := queue.New(queue.Config{
		Size:  cfg.QueueSize,
		Delay: time.Duration(cfg.QueueDelay) * time.Second,
	}, slot, idleLogger{})

	host := &coordinator{q: q}

	client, err := dialClient(host, cfg.URL)
	if err != nil {
		return fmt.Errorf("dial pool: %w", err)
	}
	slot.set(client)
	client.SetVersion("Phoenix", "Phoenix", version(), "")

	mgr := kernel.NewManager(kernel.ManagerConfig{
		RateSamples: cfg.RateSamples,
		SubmitOld:   cfg.SubmitOld,
	}, q, slot)
	mgr.SetAutoconfigStore(st)
	mgr.SetAcceptedRecorder(st)
	mgr.RegisterFactory("cpu", cpu.New(cfg.Threads))

	devices := cfg.Devices
	if len(devices) == 0 {
		devices = []string{"cpu:0"}
	}
	for _, spec := range devices {
		kernelType, deviceID := parseDevice(spec)
		if err := mgr.StartKernel(kernelType, deviceID, nil); err != nil {
			log.Errorf("main: starting kernel %s: %v", spec, err)
		}
	}
	defer mgr.StopAll()

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	dash := buildDashboard(cfg, q, mgr, slot)
	if dash != nil {
		go func() {
			if err := dash.ListenAndServe(); err != nil {
				log.Warnf("apis: dashboard stopped: %v", err)
			}
		}()
		defer dash.Close()
	}

	log.Infof("main: phoenix %s running against %s", version(), redactedURL(cfg.URL))
	select {}
}

// dialClient picks the StreamingClient or PollingClient dialect from
// the URL scheme, mirroring the original client's backend.openURL
// dispatch.
func dialClient(host protocol.Host, rawurl string) (protocol.Client, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "mmp":
		return streaming.New(host, rawurl)
	case "http", "https":
		return polling.New(host, rawurl)
	default:
		return nil, fmt.Errorf("unsupported pool URL scheme %q", u.Scheme)
	}
}

func redactedURL(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	u.User = nil
	return u.String()
}

func buildDashboard(cfg *config, q *queue.Queue, mgr *kernel.Manager, worker statusapi.RequestWorker) *statusapi.Server {
	if cfg.DashboardAddr == "" || cfg.DashboardUser == "" || cfg.DashboardPassword == "" {
		log.Infof("apis: dashboard disabled (set --dashboarduser/--dashboardpass to enable)")
		return nil
	}
	hash, err := statusapi.HashPassword(cfg.DashboardPassword)
	if err != nil {
		log.Errorf("apis: hashing dashboard password: %v", err)
		return nil
	}
	return statusapi.New(statusapi.Config{
		Addr:              cfg.DashboardAddr,
		BasicAuthUser:     cfg.DashboardUser,
		BasicAuthPassHash: hash,
		SessionKey:        sessionKey(),
		CSRFKey:           csrfKey(),
		TickInterval:      2 * time.Second,
		Limiter:           ratelimit.New(1, 5, 5*time.Minute),
	}, q, mgr, worker)
}
