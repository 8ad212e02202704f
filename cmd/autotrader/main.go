package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"autotrader/config"
	"autotrader/internal/alertlog"
	"autotrader/internal/broker"
	"autotrader/internal/connectivity"
	"autotrader/internal/exchange"
	"autotrader/internal/journal"
	"autotrader/internal/logger"
	"autotrader/internal/marketfeed"
	"autotrader/internal/metrics"
	"autotrader/internal/model"
	"autotrader/internal/notification"
	"autotrader/internal/router"
	"autotrader/internal/schedule"
	"autotrader/internal/scheduler"
	redisstore "autotrader/internal/store/redis"
	"autotrader/internal/strategy"
)

// meteredJournal counts placed orders before persisting them.
type meteredJournal struct {
	jr   *journal.Journal
	prom *metrics.Metrics
}

func (m *meteredJournal) RecordOrder(ack exchange.OrderAck, kind string) {
	m.prom.OrdersPlaced.WithLabelValues(kind).Inc()
	m.jr.RecordOrder(ack, kind)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("autotrader", slog.LevelInfo)
	log.Println("[main] starting...")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Audit journal (SQLite) ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	jr, err := journal.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[main] journal init failed: %v", err)
	}
	defer jr.Close()

	// ---- Redis state mirror (optional) ----
	var rstore *redisstore.Store
	if cfg.RedisAddr != "" {
		rstore, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[main] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer rstore.Close()
		}
	}
	if rstore != nil {
		health.StartLivenessChecker(ctx, rstore.Client(), jr.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, jr.DB(), 10*time.Second)
	}

	// ---- Alert ring and delivery ----
	alerts := alertlog.New(cfg.AlertCapacity)
	alerts.Persist = jr.RecordAlert
	notifiers := buildNotifiers(cfg)
	alerts.Notify = func(message string) {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer sendCancel()
		for _, n := range notifiers {
			if err := n.Send(sendCtx, notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "autotrader",
				Message: message,
			}); err != nil {
				log.Printf("[main] alert delivery: %v", err)
			}
		}
	}

	// ---- Exchange client ----
	client := exchange.NewBinance(exchange.BinanceConfig{
		APIKey:     cfg.BinanceAPIKey,
		SecretKey:  cfg.BinanceSecretKey,
		UseTestnet: cfg.UseTestnet,
		DryRun:     cfg.DryRun,
	})
	if cfg.DryRun {
		log.Println("[main] *** DRY RUN: orders are acknowledged locally, not sent ***")
	}

	// ---- Connectivity monitor ----
	var ipStore connectivity.IPStore
	if rstore != nil {
		ipStore = rstore
	}
	monitor := connectivity.New(connectivity.Config{
		Symbol:     cfg.Symbol,
		Leverage:   cfg.Leverage,
		MarginType: cfg.MarginType,
	}, client, alerts, ipStore)
	monitor.OnIPChange = func(prev, current string) {
		prom.IPChanges.Inc()
		health.SetPublicIP(current)
	}
	monitor.Bootstrap(ctx)
	health.SetPublicIP(monitor.Health().PublicIP)
	if err := monitor.EnsureConfigured(ctx); err != nil {
		log.Fatalf("[main] account configuration failed: %v", err)
	}
	log.Printf("[main] account configured: %s %dx %s", cfg.Symbol, cfg.Leverage, cfg.MarginType)

	// ---- Broker and strategies ----
	brk := broker.New(broker.Config{
		Symbol:       cfg.Symbol,
		StrictModify: cfg.StrictModify,
	}, client, alerts, &meteredJournal{jr: jr, prom: prom})

	exec := strategy.NewLiveExecutor(strategy.ExecutorConfig{
		Symbol:       cfg.Symbol,
		Interval:     cfg.Interval,
		KlineHistory: cfg.KlineHistory,
	}, client, brk)

	rt := router.New(exec, strategy.NewSMACrossover(9, 21), trendFollow())
	if err := rt.Activate(ctx); err != nil {
		log.Printf("[main] WARNING: position adoption failed: %v", err)
	}

	// ---- Scheduler ----
	period := time.Duration(cfg.IntervalDays * 86400 * float64(time.Second))
	var mirror schedule.Mirror
	if rstore != nil {
		mirror = rstore
	}
	windows := schedule.NewWindows(period, mirror)

	sched := scheduler.New(scheduler.Config{
		PollInterval:  cfg.PollInterval,
		CheckInterval: cfg.CheckInterval,
		TimeLess:      cfg.TimeLess,
		TimeOffset:    cfg.TimeOffset,
		IntervalDays:  cfg.IntervalDays,
		RunAtStart:    cfg.RunAtStart,
	}, monitor, rt, windows, alerts, jr)
	sched.OnGate = func(healthy bool) {
		health.SetExchangeReachable(healthy)
		if healthy {
			prom.RunGate.Set(1)
		} else {
			prom.RunGate.Set(0)
			prom.ConnectivityFails.Inc()
		}
	}
	sched.OnFired = func(instant time.Time) {
		prom.WindowsFired.Inc()
		prom.ActiveTrades.Set(float64(len(brk.Active())))
		health.SetLastWindowAt(time.Now())
	}
	sched.OnError = func(err error) {
		prom.StrategyErrors.Inc()
	}

	// ---- Mark-price feed ----
	feed := marketfeed.New(marketfeed.Config{Symbol: cfg.Symbol})
	feed.OnPrice = func(price float64, at time.Time) {
		prom.MarkPrice.Set(price)
		prom.FeedMessages.Inc()
		health.SetFeedConnected(true)
	}
	feed.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetFeedConnected(false)
	}
	go feed.Run(ctx)

	// ---- Telegram command bot ----
	if cfg.TelegramToken != "" {
		bot := notification.NewBot(notification.BotConfig{
			Token:      cfg.TelegramToken,
			ChatID:     cfg.TelegramChatID,
			TOTPSecret: cfg.TOTPSecret,
		}, alerts, brk, rt, sched, monitor, feed)
		bot.Shutdown = cancel
		bot.AlertHistory = jr.RecentAlerts
		go bot.Run(ctx)
	}

	// ---- Run ----
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()
	health.SetSchedulerRunning(true)

	for {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			metricsSrv.Stop(shutdownCtx)
			shutdownCancel()
			log.Println("[main] bye")
			return
		case err := <-schedDone:
			// A bot /off leaves the process alive for commands; only a
			// signal or /off all terminates it.
			health.SetSchedulerRunning(false)
			if err != nil && ctx.Err() == nil {
				log.Printf("[main] scheduler exited: %v", err)
			} else {
				log.Println("[main] scheduler stopped")
			}
			schedDone = nil
		}
	}
}

// buildNotifiers assembles the alert delivery chain from configuration.
func buildNotifiers(cfg *config.Config) []notification.Notifier {
	var out []notification.Notifier
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		out = append(out, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(out) == 0 {
		out = append(out, notification.NewLogNotifier())
	}
	return out
}

// trendFollow is a minimal bundled strategy: stay long while the close
// prints above the previous close, protected by a 2%/4% bracket.
func trendFollow() strategy.Strategy {
	return strategy.NewFunc("trend-follow", func(ctx context.Context, c *strategy.Context) error {
		prev, ok := c.Prev(1)
		if !ok {
			return nil
		}
		rising := c.Close() > prev.Close

		if trades := c.ActiveTrades(); len(trades) > 0 {
			if !rising {
				return c.ClosePosition(ctx, 0)
			}
			return nil
		}
		if !rising {
			return nil
		}

		stop := c.Close() * 0.98
		take := c.Close() * 1.04
		amount := c.Balance() * 0.5 / c.Close() // base-asset size
		if amount <= 0 {
			return nil
		}
		return c.OpenPosition(ctx, model.SideLong, &stop, &take, amount)
	})
}
