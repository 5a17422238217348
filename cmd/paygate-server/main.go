package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/Paygate/server/internal/alert"
	"github.com/BrandonDHaskell/Paygate/server/internal/backoff"
	"github.com/BrandonDHaskell/Paygate/server/internal/config"
	"github.com/BrandonDHaskell/Paygate/server/internal/db"
	"github.com/BrandonDHaskell/Paygate/server/internal/firewall"
	"github.com/BrandonDHaskell/Paygate/server/internal/httpapi"
	"github.com/BrandonDHaskell/Paygate/server/internal/ledger"
	"github.com/BrandonDHaskell/Paygate/server/internal/logging"
	"github.com/BrandonDHaskell/Paygate/server/internal/monitor"
	"github.com/BrandonDHaskell/Paygate/server/internal/opsrpc"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/service"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, httpAddr, logLevel string
	var checkOnly bool

	flagSet := pflag.NewFlagSet("paygate-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("PAYGATE_CONFIG"), "YAML config file (env vars override it)")
	flagSet.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.BoolVar(&checkOnly, "check-config", false, "validate configuration and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if checkOnly {
		fmt.Println("config ok")
		return nil
	}
	price, _ := cfg.PriceOctas()

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stdout,
		JSON:   cfg.LogJSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqlDB.Close()

	writer := db.NewWorker(sqlDB)
	defer writer.Close()

	grants := sqlite.NewGrantStore(sqlDB, writer)
	payments := sqlite.NewPaymentStore(sqlDB, writer)

	// Collaborators
	retry := backoff.Policy{Base: cfg.RetryBaseDelay(), Ceiling: cfg.RetryCeiling}

	rules, err := firewall.New(firewall.Config{
		BaseURL: cfg.CloudflareAPIURL,
		Token:   cfg.CloudflareToken,
		ZoneID:  cfg.CloudflareZoneID,
		Backoff: retry,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	chain := &ledger.Client{BaseURL: cfg.LedgerURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
	alerts := alert.NewDispatcher(alertChannels(cfg), nil, logger)

	// Services
	verifier := service.NewVerifier(service.PaymentRequirements{
		AmountOctas: price,
		Currency:    cfg.Currency,
		PayTo:       cfg.PayTo,
	}, chain, payments, nil, logger)

	scheduler := service.NewCleanupScheduler(grants, rules, alerts, service.SchedulerConfig{
		DefaultDelay: cfg.GrantDuration(),
		Backoff:      retry,
	}, logger)

	orchestrator := service.NewOrchestrator(verifier, rules, grants, payments, scheduler,
		service.NewProofQueue(0), service.OrchestratorConfig{GrantDuration: cfg.GrantDuration()}, logger)

	if n, err := orchestrator.Restore(ctx); err != nil {
		logger.Error("restore pending cleanups failed", "restored", n, "error", err)
	}

	resolver := service.NewAddressResolver(cfg.PayerAddress, service.DefaultStrategies(nil), logger)
	trigger := monitor.New(monitor.Config{
		LogPath:          cfg.ActivityLog,
		ProcessSignature: cfg.ProcessSignature,
		PollInterval:     cfg.PollInterval(),
		Watch:            true,
	}, resolver, logger)
	trigger.OnTrigger("grant", orchestrator.HandleTrigger)
	if cfg.ActivityLog != "" || cfg.ProcessSignature != "" {
		if err := trigger.Start(ctx); err != nil {
			return fmt.Errorf("start monitor: %w", err)
		}
	} else {
		logger.Info("trigger monitor disabled: no activity log or process signature configured")
	}

	pruner := service.NewGrantPruner(grants, service.PrunerConfig{
		RetentionDays: cfg.GrantRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)
	pruner.Start(ctx)

	// Ops gRPC
	var ops *opsrpc.Server
	if cfg.OpsAddr != "" {
		ops = opsrpc.New(logger)
		ops.Register("scheduler", func() bool { return !scheduler.Closed() })
		if cfg.ActivityLog != "" || cfg.ProcessSignature != "" {
			ops.Register("monitor", trigger.Active)
		}
		lis, err := net.Listen("tcp", cfg.OpsAddr)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		ops.StartChecks(ctx, 10*time.Second)
		go func() {
			if err := ops.Serve(lis); err != nil {
				logger.Error("ops server error", "error", err)
			}
		}()
	}

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:          logger,
		Addr:            cfg.HTTPAddr,
		Orchestrator:    orchestrator,
		Verifier:        verifier,
		Scheduler:       scheduler,
		Network:         cfg.Network,
		IntakePerMinute: cfg.IntakePerMinute,
	})

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "env", cfg.Env,
			"price", cfg.RequiredAmount+" "+cfg.Currency, "grant_duration", cfg.GrantDuration())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Intake first, then the producers of work, then the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	trigger.Stop()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("cleanup scheduler shutdown incomplete", "error", err)
	}
	pruner.Stop()
	if ops != nil {
		ops.Stop()
	}
	return nil
}

func alertChannels(cfg config.Config) []alert.Channel {
	var chans []alert.Channel
	if cfg.AlertWebhookURL != "" {
		chans = append(chans, alert.Channel{Name: "webhook", Type: "webhook", WebhookURL: cfg.AlertWebhookURL})
	}
	if cfg.AlertNtfyTopic != "" {
		chans = append(chans, alert.Channel{Name: "ntfy", Type: "ntfy", Topic: cfg.AlertNtfyTopic})
	}
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		chans = append(chans, alert.Channel{Name: "slack", Type: "slack",
			Token: cfg.SlackToken, SlackChannel: cfg.SlackChannel})
	}
	return chans
}
