// Package supervisor keeps the broker session alive. It pings on every
// heartbeat and, when the ping fails, logs in again, re-activates the
// certificate and resubscribes, a bounded number of times.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/metrics"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/sirupsen/logrus"
)

// ErrReconnectExhausted is returned by Check when every recovery attempt
// failed. The control loop treats it as fatal.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, Backoff: 5 * time.Second}
}

// ResubscribeFunc restores quote subscriptions after a new login.
type ResubscribeFunc func(ctx context.Context) error

type Supervisor struct {
	session     broker.Session
	resubscribe ResubscribeFunc
	notifier    notify.Notifier
	cfg         Config
	logger      *logrus.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(session broker.Session, resubscribe ResubscribeFunc, notifier notify.Notifier, cfg Config, logger *logrus.Logger) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &Supervisor{
		session:     session,
		resubscribe: resubscribe,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// Check pings the session and recovers it when the ping fails.
func (s *Supervisor) Check(ctx context.Context) error {
	err := s.session.Ping(ctx)
	if err == nil {
		s.logger.Debug("Heartbeat ok")
		return nil
	}

	s.logger.WithError(err).Warn("Heartbeat failed, reconnecting")
	s.notifier.Send(notify.SeverityWarning, "Connection lost", err.Error())
	return s.Recover(ctx)
}

// Recover runs up to MaxAttempts login cycles with a fixed backoff between
// attempts.
func (s *Supervisor) Recover(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		log := s.logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": s.cfg.MaxAttempts,
		})

		if lastErr = s.reconnect(ctx); lastErr == nil {
			metrics.Reconnects.WithLabelValues("ok").Inc()
			log.Info("Reconnected")
			s.notifier.Send(notify.SeverityInfo, "Reconnected", fmt.Sprintf("session restored after %d attempt(s)", attempt))
			return nil
		}

		metrics.Reconnects.WithLabelValues("error").Inc()
		log.WithError(lastErr).Warn("Reconnect attempt failed")
		if attempt == s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.Backoff); err != nil {
			return err
		}
	}

	s.notifier.Send(notify.SeverityCritical, "Reconnect failed",
		fmt.Sprintf("gave up after %d attempts: %v", s.cfg.MaxAttempts, lastErr))
	return fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	if err := s.session.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := s.session.ActivateCertificate(ctx); err != nil {
		return fmt.Errorf("activate certificate: %w", err)
	}
	if s.resubscribe != nil {
		if err := s.resubscribe(ctx); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
