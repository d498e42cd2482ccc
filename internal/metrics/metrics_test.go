package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventPipeline(t *testing.T) {
	before := testutil.ToFloat64(notificationsCreated.WithLabelValues("order.created", "email"))

	RecordEventReceived("order.created")
	RecordNotificationCreated("order.created", "email")
	RecordChannelSkipped("sms", "missing_recipient")

	after := testutil.ToFloat64(notificationsCreated.WithLabelValues("order.created", "email"))
	if after-before != 1 {
		t.Errorf("created counter moved by %v, want 1", after-before)
	}
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(terminalFailures.WithLabelValues("sms"))

	RecordNotificationProcessed("sent", "email")
	RecordNotificationProcessed("failed", "sms")
	RecordDeliveryLatency("email", 500*time.Millisecond)
	RecordTerminalFailure("sms")

	if got := testutil.ToFloat64(terminalFailures.WithLabelValues("sms")) - before; got != 1 {
		t.Errorf("terminal failures moved by %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	SetWorkersBusy(3)
	if got := testutil.ToFloat64(workersBusy); got != 3 {
		t.Errorf("workers busy = %v, want 3", got)
	}

	SetQueueDepth("scheduled", 12)
	SetQueueDepth("failed", 1)
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("scheduled")); got != 12 {
		t.Errorf("scheduled depth = %v, want 12", got)
	}

	SetBreakerState("ses", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("ses")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}

	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestRecordReconciled(t *testing.T) {
	before := testutil.ToFloat64(notificationsReconciled)
	RecordReconciled(4)
	if got := testutil.ToFloat64(notificationsReconciled) - before; got != 4 {
		t.Errorf("reconciled moved by %v, want 4", got)
	}
}

func TestRecordIdempotencyAndRateLimit(t *testing.T) {
	RecordIdempotencyHit()
	RecordRateLimitRejection("ip")
}

func TestHandler(t *testing.T) {
	RecordRequest("GET", "/healthz", 200, 10*time.Millisecond)

	handler := Handler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "courier_http_requests_total") {
		t.Error("metrics response should expose courier_http_requests_total")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/admin/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/admin/notifications/{id}", "404"))

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/admin/notifications/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rec.Code)
		}
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/admin/notifications/{id}", "404"))
	if after-before != 2 {
		t.Errorf("route series moved by %v, want 2", after-before)
	}
}

func TestMiddleware_Unmatched(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/test", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
