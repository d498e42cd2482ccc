package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/worker"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = clock.now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("ses"))
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sns", MaxFailures: 3, RecoveryTimeout: time.Second})

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("two failures should not open, got %s", cb.State())
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open circuit should reject")
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	tests := []struct {
		name      string
		trialOK   bool
		wantState State
	}{
		{"successful trial closes", true, StateClosed},
		{"failed trial reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
			trip(cb, 2)

			clock.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before the recovery timeout")
			}

			clock.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a trial request after the recovery timeout")
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.State())
			}
			if cb.Allow() {
				t.Fatal("only one trial request is allowed in half-open")
			}

			if tt.trialOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.State() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("success should have reset the failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: time.Hour})
	trip(cb, 2)
	cb.Reset()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Fatalf("expected closed and allowing after reset, got %s", cb.State())
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", MaxFailures: 5})
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "stats-test" || stats.State != "closed" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Fatal("last failure should be set")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	channel   db.Channel
	sendErr   error
	sendCalls int
}

func (m *mockSender) Channel() db.Channel { return m.channel }

func (m *mockSender) Send(context.Context, worker.Message) error {
	m.sendCalls++
	return m.sendErr
}

func testMessage() worker.Message {
	return worker.Message{NotificationID: uuid.New(), Channel: db.ChannelEmail, Recipient: "a@x.io", Body: "hi"}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{channel: db.ChannelEmail}
	ps := Wrap("ses", mock, zap.NewNop())

	if ps.Channel() != db.ChannelEmail {
		t.Fatalf("Channel() = %s", ps.Channel())
	}
	if err := ps.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if mock.sendCalls != 1 || ps.Breaker().Stats().TotalSuccesses != 1 {
		t.Fatalf("calls = %d, stats = %+v", mock.sendCalls, ps.Breaker().Stats())
	}
}

func TestProtectedSender_Lifecycle(t *testing.T) {
	mock := &mockSender{channel: db.ChannelEmail}
	cb, clock := newTestBreaker(Config{Name: "ses", MaxFailures: 3, RecoveryTimeout: 30 * time.Second})
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	ctx := context.Background()

	mock.sendErr = errors.New("SES down")
	for i := 0; i < 3; i++ {
		_ = ps.Send(ctx, testMessage())
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	mock.sendCalls = 0
	if err := ps.Send(ctx, testMessage()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("provider should not be called while open")
	}

	clock.advance(30 * time.Second)
	mock.sendErr = nil
	if err := ps.Send(ctx, testMessage()); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after trial, got %s", cb.State())
	}
}

func TestProtectedSender_RegistersAsChannelSender(t *testing.T) {
	reg, err := worker.NewRegistry(Wrap("sns", &mockSender{channel: db.ChannelSMS}, zap.NewNop()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := reg.Get(db.ChannelSMS); !ok {
		t.Fatal("protected sender should register under its wrapped channel")
	}
}
