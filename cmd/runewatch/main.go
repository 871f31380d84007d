package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/runewatch/internal/commands"
	"github.com/rewired-gh/runewatch/internal/config"
	"github.com/rewired-gh/runewatch/internal/history"
	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/metrics"
	"github.com/rewired-gh/runewatch/internal/monitor"
	"github.com/rewired-gh/runewatch/internal/pricing"
	"github.com/rewired-gh/runewatch/internal/runes"
	"github.com/rewired-gh/runewatch/internal/scheduler"
	"github.com/rewired-gh/runewatch/internal/scraper"
	"github.com/rewired-gh/runewatch/internal/sheets"
	"github.com/rewired-gh/runewatch/internal/storage"
	"github.com/rewired-gh/runewatch/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.Open(cfg.Storage.PricesPath, cfg.Monitor.WindowSize)
	if err != nil {
		logger.Fatal("Failed to initialize price store: %v", err)
	}
	nicknames, err := storage.OpenNicknames(cfg.Storage.NicknamesPath)
	if err != nil {
		logger.Fatal("Failed to initialize nickname store: %v", err)
	}

	ledger, err := history.Open(cfg.Storage.HistoryDBPath, cfg.Storage.MaxHistory)
	if err != nil {
		logger.Fatal("Failed to initialize alert history: %v", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Error("Failed to close alert history: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New("runewatch")
		m.Serve(ctx, cfg.Metrics.Addr)
	}

	urls := runes.URLs{MarketBase: cfg.Marketplace.MarketURL, DetailBase: cfg.Marketplace.DetailURL}
	browser := scraper.NewChromeBrowser(scraper.ChromeConfig{
		Headless:  cfg.Marketplace.Headless,
		ExecPath:  cfg.Marketplace.ChromePath,
		UserAgent: cfg.Marketplace.UserAgent,
	})
	orchestrator := scraper.NewOrchestrator(browser, scraper.Config{
		NavigationTimeout: cfg.Marketplace.NavigationTimeout,
		SelectorTimeout:   cfg.Marketplace.SelectorTimeout,
		MinDelay:          cfg.Marketplace.RequestDelayMin,
		MaxDelay:          cfg.Marketplace.RequestDelayMax,
	}, scraper.WithObserver(m))

	converter := pricing.NewConverter(cfg.Pricing.SpotURL, cfg.Pricing.Timeout, cfg.Pricing.CacheTTL)

	detector := monitor.New(store, monitor.Config{
		Threshold:  cfg.Monitor.ThresholdPercent,
		WindowSize: cfg.Monitor.WindowSize,
	})

	opts := []scheduler.Option{
		scheduler.WithRates(converter),
		scheduler.WithRecorder(ledger),
		scheduler.WithMetrics(m),
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		opts = append(opts, scheduler.WithNotifier(telegramClient))
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Sheets.Enabled {
		sheet, err := sheets.NewGoogleWorksheet(ctx,
			cfg.Sheets.CredentialsFile,
			cfg.Sheets.SpreadsheetID,
			cfg.Sheets.SheetName,
			cfg.Sheets.NameColumn,
			cfg.Sheets.PriceColumn,
		)
		if err != nil {
			logger.Fatal("Failed to initialize spreadsheet sync: %v", err)
		}
		opts = append(opts, scheduler.WithSyncer(sheets.NewSyncer(sheet, store, converter, cfg.Sheets.Placeholder)))
		logger.Info("Spreadsheet sync enabled for sheet %q", cfg.Sheets.SheetName)
	}

	sched := scheduler.New(scheduler.Config{
		Interval:  cfg.Scheduler.Interval,
		Jitter:    cfg.Scheduler.Jitter,
		Selectors: cfg.Marketplace.PriceSelectors,
		URLs:      urls,
	}, store, orchestrator, detector, opts...)

	service := commands.NewService(commands.Config{
		URLs:              urls,
		PriceSelectors:    cfg.Marketplace.PriceSelectors,
		MintRatioSelector: cfg.Marketplace.MintRatioSelector,
		RefreshInterval:   cfg.Scheduler.Interval,
	}, store, nicknames, orchestrator,
		commands.WithRates(converter),
		commands.WithAlertLog(ledger),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, service)
	}

	logger.Info("Starting runewatch (tracking: %d, window_size: %d, threshold: %.1f%%)",
		store.Len(),
		cfg.Monitor.WindowSize,
		cfg.Monitor.ThresholdPercent,
	)

	sched.Run(ctx)
	logger.Info("Service stopped")
}
