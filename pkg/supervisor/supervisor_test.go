package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/calspread/pkg/broker/paper"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/sirupsen/logrus"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recorder) Send(_ notify.Severity, subject, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

func (r *recorder) has(subject string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func newTestSupervisor(b *paper.Broker, resub ResubscribeFunc) (*Supervisor, *recorder, *[]time.Duration) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	rec := &recorder{}
	s := New(b, resub, rec, DefaultConfig(), l)
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, rec, &slept
}

func TestCheckHealthy(t *testing.T) {
	b := paper.New()
	s, rec, _ := newTestSupervisor(b, nil)

	if err := s.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if logins, _, _, pings := b.Counters(); logins != 0 || pings != 1 {
		t.Errorf("expected one ping and no login, got logins=%d pings=%d", logins, pings)
	}
	if len(rec.subjects) != 0 {
		t.Errorf("healthy heartbeat must not alert, got %v", rec.subjects)
	}
}

func TestCheckRecovers(t *testing.T) {
	b := paper.New()
	b.Disconnect()
	b.FailLogins(1)

	resubs := 0
	s, rec, slept := newTestSupervisor(b, func(context.Context) error {
		resubs++
		return nil
	})

	if err := s.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	logins, activations, _, _ := b.Counters()
	if logins != 2 || activations != 1 || resubs != 1 {
		t.Errorf("logins=%d activations=%d resubs=%d", logins, activations, resubs)
	}
	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("expected one 5s backoff, got %v", *slept)
	}
	if !rec.has("Connection lost") || !rec.has("Reconnected") {
		t.Errorf("unexpected alerts %v", rec.subjects)
	}
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("session must be up after recovery: %v", err)
	}
}

func TestCheckExhausted(t *testing.T) {
	b := paper.New()
	b.Disconnect()
	b.FailLogins(5)

	s, rec, slept := newTestSupervisor(b, nil)

	err := s.Check(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if logins, _, _, _ := b.Counters(); logins != 3 {
		t.Errorf("expected 3 login attempts, got %d", logins)
	}
	if len(*slept) != 2 {
		t.Errorf("expected backoff between attempts only, got %d sleeps", len(*slept))
	}
	if !rec.has("Reconnect failed") {
		t.Errorf("expected failure alert, got %v", rec.subjects)
	}
}

func TestRecoverResubscribeFailureRetries(t *testing.T) {
	b := paper.New()
	calls := 0
	s, _, _ := newTestSupervisor(b, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("subscribe rejected")
		}
		return nil
	})

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 resubscribe attempts, got %d", calls)
	}
}

func TestRecoverStopsOnCancel(t *testing.T) {
	b := paper.New()
	b.FailLogins(5)
	s, _, _ := newTestSupervisor(b, nil)
	s.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Recover(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
