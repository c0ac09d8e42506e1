package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/assembler"
	"SalesRep/internal/chatbot"
	"SalesRep/internal/completion"
	"SalesRep/internal/config"
	"SalesRep/internal/httpapi"
	"SalesRep/internal/marketplace"
	"SalesRep/internal/quota"
	"SalesRep/internal/scraper"
	"SalesRep/internal/store"
	"SalesRep/internal/telemetry"
	"SalesRep/internal/workflow"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configPath := flag.String("config", "", "Path to config.toml")
	debug := flag.Bool("debug", false, "Enable debug logging")
	serverAddr := flag.String("server", "", "Serve the HTTP API on this address")
	noConsole := flag.Bool("no-console", false, "Do not start the terminal front end")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}
	if *serverAddr != "" {
		cfg.Server.Enabled = true
		cfg.Server.Addr = *serverAddr
	}
	if *noConsole {
		cfg.Console.Enabled = false
	}

	if err := cfg.Server.RequireToken(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := quota.ValidateModel(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdown()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	llm, err := newCompletion(ctx, cfg.Completion, logger, tracer, meter)
	if err != nil {
		return err
	}

	scraperOpts := []scraper.Option{scraper.WithSummaryTTL(cfg.Scraper.CacheTTL())}
	if cfg.Scraper.KeepPages && cfg.Scraper.CacheDir != "" {
		scraperOpts = append(scraperOpts, scraper.WithPageCache(scraper.NewPageCache(cfg.Scraper.CacheDir)))
	}
	items := scraper.New(cfg.Marketplace.ItemBaseURL, cfg.Marketplace.Timeout(), logger, tracer, scraperOpts...)
	market := marketplace.NewHTTPClient(cfg.Marketplace.APIBaseURL, cfg.Marketplace.Timeout(), logger, tracer, meter)

	engine := workflow.New(workflow.Config{
		Model:            cfg.Completion.Model,
		ContinueOverride: cfg.Workflow.ContinueOverride,
		DefaultLimit:     cfg.Workflow.DefaultLimit,
		ConversationURL:  cfg.Marketplace.ConversationURL,
		Version:          telemetry.Version,
	}, workflow.Deps{
		Settings:    db.Settings(),
		Ledger:      db.Ledger(),
		Quota:       quota.NewPolicy(quota.NewPricing(cfg.Pricing), db.Ledger(), db.Settings()),
		Marketplace: market,
		Assembler:   assembler.New(items, assembler.NewContextSource(cfg.Workflow.ContextDir, logger)),
		Completion:  llm,
		Auth:        access.NewRoles(cfg.AdminIDs, db.Settings()),
		Logger:      logger,
		Tracer:      tracer,
		Meter:       meter,
	})
	bot := chatbot.NewChatBot(engine, logger)

	logger.Info("salesrep starting",
		"version", telemetry.Version,
		"backend", cfg.Completion.Backend,
		"model", cfg.Completion.Model,
		"console", cfg.Console.Enabled,
		"server", cfg.Server.Enabled,
	)

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.New(bot, cfg.Server.Token(), logger).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http api listening", "addr", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http api shutdown failed", "error", err)
			}
		}()
	}

	if cfg.Console.Enabled {
		op := access.Operator{ID: cfg.Console.OperatorID, Username: cfg.Console.Username}
		return bot.Run(ctx, op, os.Stdin, os.Stdout)
	}
	if !cfg.Server.Enabled {
		return errors.New("neither console nor server is enabled")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-serverErr:
		return err
	}
}

func newCompletion(ctx context.Context, c config.CompletionConfig, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (completion.Service, error) {
	switch c.Backend {
	case config.BackendArk:
		chatModel, err := completion.NewArkChatModel(ctx, completion.ArkConfig{
			BaseURL: c.BaseURL,
			Region:  c.ArkRegion,
			APIKey:  c.APIKey(),
			Model:   c.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("init ark backend: %w", err)
		}
		return completion.NewArkService(chatModel, c.Timeout(), logger, tracer, meter), nil
	default:
		if c.APIKey() == "" {
			logger.Warn("completion API key not set", "env", c.APIKeyEnv)
		}
		return completion.NewOpenAIService(c.BaseURL, c.APIKey(), c.OrgID(), c.Timeout(), logger, tracer, meter), nil
	}
}
