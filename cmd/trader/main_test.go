package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type stubServer struct {
	err      error
	deadline bool
}

func (s *stubServer) Shutdown(ctx context.Context) error {
	_, s.deadline = ctx.Deadline()
	return s.err
}

func TestShutdownServerLogsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	srv := &stubServer{err: errors.New("listener stuck")}

	shutdownServer(srv, time.Second, logger)

	if !srv.deadline {
		t.Error("shutdown must be bounded by a deadline")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning, got %+v", entry)
	}
	if entry.Data[logrus.ErrorKey] != srv.err {
		t.Errorf("error field = %v", entry.Data[logrus.ErrorKey])
	}
}

func TestShutdownServerQuietOnSuccess(t *testing.T) {
	logger, hook := test.NewNullLogger()
	shutdownServer(&stubServer{}, time.Second, logger)
	if len(hook.AllEntries()) != 0 {
		t.Errorf("unexpected log entries %v", hook.AllEntries())
	}
}

func TestMonthsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := monthsCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--at", "2026-01-05", "--roll-days", "0"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("months: %v", err)
	}
	if !strings.Contains(out.String(), "near FA6") || !strings.Contains(out.String(), "far  FB6") {
		t.Errorf("unexpected output %q", out.String())
	}
}
