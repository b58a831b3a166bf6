// Package notify delivers operator alerts. Delivery channels (mail, chat)
// plug in behind Notifier; the engine only ever sees the interface.
package notify

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier sends one alert. Implementations must not block the caller for
// long; wrap slow channels in Async.
type Notifier interface {
	Send(severity Severity, subject, body string)
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(severity Severity, subject, body string) {
	entry := n.logger.WithFields(logrus.Fields{
		"event":    "alert",
		"severity": severity,
		"subject":  subject,
	})
	switch severity {
	case SeverityCritical:
		entry.Error(body)
	case SeverityWarning:
		entry.Warn(body)
	default:
		entry.Info(body)
	}
}

type message struct {
	severity Severity
	subject  string
	body     string
}

// Async queues alerts for a background goroutine. Send never blocks: when the
// queue is full the alert is dropped and counted.
type Async struct {
	next    Notifier
	queue   chan message
	dropped atomic.Int64
	logger  *logrus.Logger
}

func NewAsync(next Notifier, size int, logger *logrus.Logger) *Async {
	if size <= 0 {
		size = 64
	}
	return &Async{
		next:   next,
		queue:  make(chan message, size),
		logger: logger,
	}
}

func (a *Async) Send(severity Severity, subject, body string) {
	select {
	case a.queue <- message{severity: severity, subject: subject, body: body}:
	default:
		a.dropped.Add(1)
		a.logger.WithField("subject", subject).Warn("Alert queue full, dropping alert")
	}
}

// Dropped returns how many alerts were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Run delivers queued alerts until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case m := <-a.queue:
					a.deliver(m)
				default:
					return
				}
			}
		case m := <-a.queue:
			a.deliver(m)
		}
	}
}

func (a *Async) deliver(m message) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{
				"subject": m.subject,
				"panic":   r,
			}).Error("Notifier panicked")
		}
	}()
	a.next.Send(m.severity, m.subject, m.body)
}
