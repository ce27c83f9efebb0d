package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/queue"
	"github.com/phoenix2/phoenix/internal/ratelimit"
)

type fakeQueue struct{ snap queue.Status }

func (f fakeQueue) Snapshot() queue.Status { return f.snap }

type fakeRates struct {
	total   float64
	devices []kernel.DeviceRate
}

func (f fakeRates) TotalRate() float64               { return f.total }
func (f fakeRates) DeviceRates() []kernel.DeviceRate { return f.devices }

type fakeWorker struct{ requested int }

func (f *fakeWorker) RequestWork() { f.requested++ }

func testServer(t *testing.T, worker *fakeWorker) *Server {
	t.Helper()
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	q := fakeQueue{snap: queue.Status{BufferedUnits: 2, HasCurrent: true, Idle: false}}
	rates := fakeRates{total: 123.5, devices: []kernel.DeviceRate{{DeviceID: "cpu:0", KHps: 123.5}}}
	return New(Config{
		BasicAuthUser:     "op",
		BasicAuthPassHash: hash,
		SessionKey:        make([]byte, 32),
		CSRFKey:           make([]byte, 32),
	}, q, rates, worker)
}

func TestHandleStatusReportsSnapshot(t *testing.T) {
	s := testServer(t, &fakeWorker{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tick Tick
	if err := json.Unmarshal(rec.Body.Bytes(), &tick); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tick.QueueBuffered != 2 || !tick.QueueCurrent {
		t.Fatalf("unexpected queue fields: %+v", tick)
	}
	if tick.TotalKHps != 123.5 || len(tick.Devices) != 1 {
		t.Fatalf("unexpected rate fields: %+v", tick)
	}
}

func TestHandleRequestWorkRequiresAuth(t *testing.T) {
	worker := &fakeWorker{}
	s := testServer(t, worker)

	req := httptest.NewRequest(http.MethodPost, "/requestwork", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
	if worker.requested != 0 {
		t.Fatalf("expected RequestWork not to be called without auth")
	}
}

func TestHandleRequestWorkRejectsWrongPassword(t *testing.T) {
	worker := &fakeWorker{}
	s := testServer(t, worker)

	req := httptest.NewRequest(http.MethodPost, "/requestwork", nil)
	req.SetBasicAuth("op", "wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", rec.Code)
	}
}

func TestThrottledBlocksStatusWhenLimiterExhausted(t *testing.T) {
	s := testServer(t, &fakeWorker{})
	s.cfg.Limiter = ratelimit.New(0, 0, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 from an exhausted limiter, got %d", rec.Code)
	}
}
