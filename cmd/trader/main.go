package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gregtusar/calspread/api"
	"github.com/gregtusar/calspread/internal/config"
	"github.com/gregtusar/calspread/internal/logging"
	"github.com/gregtusar/calspread/pkg/broker"
	"github.com/gregtusar/calspread/pkg/broker/paper"
	"github.com/gregtusar/calspread/pkg/gateway"
	"github.com/gregtusar/calspread/pkg/journal"
	"github.com/gregtusar/calspread/pkg/notify"
	"github.com/gregtusar/calspread/pkg/risk"
	"github.com/gregtusar/calspread/pkg/rollover"
	"github.com/gregtusar/calspread/pkg/session"
	"github.com/gregtusar/calspread/pkg/supervisor"
	"github.com/gregtusar/calspread/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "calspread",
		Short: "Calendar-spread futures arbitrage engine",
		Long:  `Watches near and far monthly futures of each instrument and trades the gap between them`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "open",
			Short: "Open spreads: sell the far month and buy the near month",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEngine(trader.VariantOpen)
			},
		},
		&cobra.Command{
			Use:   "close",
			Short: "Close held spreads once the gap turns profitable",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEngine(trader.VariantClose)
			},
		},
		monthsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func monthsCmd() *cobra.Command {
	var rollDays int
	var at, code string
	cmd := &cobra.Command{
		Use:   "months",
		Short: "Print the current near and far contract months",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.ParseInLocation("2006-01-02", at, time.Local)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			if code != "" {
				month, err := rollover.ParseMonthCode(code, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", code, month)
				return nil
			}
			m := rollover.NewCalculator(rollDays).Compute(now)
			fmt.Fprintf(cmd.OutOrStdout(), "near %s (%s)\nfar  %s (%s)\nsettlement %s, %d days away, rolled=%v\n",
				m.NearCode(), m.Near, m.FarCode(), m.Far,
				m.Settlement.Format("2006-01-02"), m.DaysToSettlement, m.Rolled)
			return nil
		},
	}
	cmd.Flags().IntVar(&rollDays, "roll-days", rollover.DefaultRollDays, "days before settlement at which the near month rolls")
	cmd.Flags().StringVar(&at, "at", "", "compute for this date (YYYY-MM-DD) instead of today")
	cmd.Flags().StringVar(&code, "code", "", "resolve a month code such as FA6 instead")
	return cmd
}

func runEngine(variant trader.Variant) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := notify.NewAsync(notify.NewLogNotifier(logger), cfg.Notify.QueueSize, logger)
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	go func() {
		notifier.Run(notifyCtx)
		close(notifyDone)
	}()
	defer func() {
		stopNotify()
		<-notifyDone
	}()

	b, closeBroker, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	if err := b.Login(ctx); err != nil {
		return err
	}
	if err := b.ActivateCertificate(ctx); err != nil {
		return err
	}

	var jrnl *journal.Journal
	if cfg.Journal.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		if jrnl, err = journal.Open(ctx, cfg.Journal.Path); err != nil {
			return err
		}
		defer jrnl.Close()
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sessions, err := session.NewSchedule(cfg.Sessions.Windows, loc)
	if err != nil {
		return err
	}

	deps := trader.Deps{
		Broker:   b,
		Notifier: notifier,
		Sessions: sessions,
		Governor: risk.NewGovernor(cfg.Risk.Limits, cfg.Risk.AlertWindow),
		Logger:   logger,
	}
	if jrnl != nil {
		deps.Journal = jrnl
	}

	eng, err := trader.New(cfg.Engine(variant), deps)
	if err != nil {
		return err
	}
	eng.SetHeartbeat(supervisor.New(b, eng.Resubscribe, notifier, cfg.Supervisor, logger))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var history api.TradeHistory
	if jrnl != nil {
		history = jrnl
	}
	apiServer := api.NewServer(eng, history, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}()
	defer shutdownServer(apiServer, 5*time.Second, logger)

	logger.WithField("variant", variant).Info("Engine is running. Press Ctrl+C to stop.")

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrReconnectExhausted) {
			return fmt.Errorf("session could not be recovered: %w", err)
		}
		return err
	}
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownServer(s shutdowner, timeout time.Duration, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("API server shutdown failed")
	}
}

// newBroker returns the live gateway, or the in-memory broker when
// trading.paper is set.
func newBroker(cfg *config.Config, logger *logrus.Logger) (broker.Broker, func(), error) {
	if cfg.Trading.Paper {
		logger.Warn("Running against the paper broker")
		return paper.New(), func() {}, nil
	}

	gw, err := gateway.New(cfg.Gateway, logger)
	if err != nil {
		return nil, nil, err
	}
	return gw, func() { gw.Stream.Close() }, nil
}
