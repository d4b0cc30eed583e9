package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/user1303836/intelstream-sub000/internal/config"
	"github.com/user1303836/intelstream-sub000/internal/discovery"
	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/adapter"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/analyzer"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/blog"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/extract"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/llm"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/scheduler"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/storage"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/strategies"
	"github.com/user1303836/intelstream-sub000/internal/infrastructure/telegram"
	"github.com/user1303836/intelstream-sub000/internal/logging"
	"github.com/user1303836/intelstream-sub000/internal/ports"
	"github.com/user1303836/intelstream-sub000/internal/usecase"
	"github.com/user1303836/intelstream-sub000/internal/webclient"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *sql.DB
	repo     *storage.PostgresRepository
	analyzer *analyzer.Analyzer
	runner   *usecase.Scheduler
}

// New builds a runnable application instance. The database and Redis (when
// configured) are dialed lazily; Run verifies the schema before polling.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	repo := storage.NewPostgresRepository(db)

	var cache ports.ExtractionCache
	if cfg.Redis.Addr != "" {
		cache = storage.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}))
	} else {
		cache = storage.NewPostgresCache(db)
	}

	client := webclient.New(
		&http.Client{Timeout: cfg.HTTP.Timeout},
		webclient.WithUserAgent(cfg.HTTP.UserAgent),
	)

	llmClient := llm.NewClient(cfg.LLM, logging.Component(baseLogger, "llm"))
	summarizer := llm.NewSummarizer(llmClient, cfg.Summary.MaxInputLength, logging.Component(baseLogger, "summarizer"))

	chain := discovery.NewChain(
		strategies.NewFeed(client, cfg.Discover.ProbeTimeout, logging.Component(baseLogger, "discovery.feed")),
		strategies.NewSitemap(client, logging.Component(baseLogger, "discovery.sitemap")),
		strategies.NewAIAssisted(client, llmClient, cache, cfg.Discover.AITimeout, cfg.Discover.MaxHTMLLength, logging.Component(baseLogger, "discovery.ai")),
	)

	extractor := extract.NewExtractor(client, logging.Component(baseLogger, "extractor"))
	feedAdapter := adapter.NewFeed(client, logging.Component(baseLogger, "adapter.feed"))
	orchestrator := blog.New(repo, chain, extractor, feedAdapter, cfg.Pipeline.ReanalyzeThreshold, logging.Component(baseLogger, "adapter.blog"))

	var notifier ports.Notifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	pageLogger := logging.Component(baseLogger, "adapter.page")
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Repository: repo,
		Adapters:   []ports.SourceAdapter{feedAdapter, orchestrator},
		PageFactory: func(profileJSON string) (ports.SourceAdapter, error) {
			return adapter.NewPageFromProfileJSON(profileJSON, client, pageLogger)
		},
		Summarizer: summarizer,
		Notifier:   notifier,
		Settings:   cfg.Pipeline,
		Logger:     logging.Component(baseLogger, "pipeline"),
	})

	driver := scheduler.NewTickerScheduler(cfg.Pipeline.CycleInterval)

	return &Application{
		cfg:      cfg,
		logger:   baseLogger,
		db:       db,
		repo:     repo,
		analyzer: analyzer.New(client, llmClient, cfg.Discover.MaxHTMLLength, logging.Component(baseLogger, "analyzer")),
		runner:   usecase.NewScheduler(driver, pipeline),
	}, nil
}

// Run verifies the schema, registers configured sources and polls until the
// context is cancelled.
func (a *Application) Run(ctx context.Context) error {
	defer a.db.Close()

	if err := a.repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	a.seedSources(ctx)

	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	<-ctx.Done()
	return a.runner.Stop(context.Background())
}

// seedSources registers every configured source that is not yet known. A
// page source additionally needs a selector profile, produced once by the
// analyzer; analysis failures leave the source registered but dormant until
// a later start succeeds.
func (a *Application) seedSources(ctx context.Context) {
	for _, seed := range a.cfg.Sources {
		if seed.Identifier == "" {
			continue
		}

		existing, err := a.repo.GetSourceByIdentifier(ctx, seed.Identifier)
		if err != nil {
			a.logger.Warn("look up configured source", "identifier", seed.Identifier, "error", err)
			continue
		}

		if existing == nil {
			created, err := a.repo.AddSource(ctx, domain.Source{
				Type:         domain.SourceType(seed.Type),
				Name:         seed.Name,
				Identifier:   seed.Identifier,
				FeedURL:      seed.FeedURL,
				PollInterval: seed.PollInterval,
				IsActive:     true,
			})
			if err != nil {
				a.logger.Warn("register configured source", "identifier", seed.Identifier, "error", err)
				continue
			}
			existing = &created
			a.logger.Info("registered source", "name", created.Name, "type", created.Type)
		}

		if existing.Type == domain.SourceTypePage && existing.ExtractionProfile == "" {
			a.analyzePageSource(ctx, existing)
		}
	}
}

func (a *Application) analyzePageSource(ctx context.Context, source *domain.Source) {
	profile, err := a.analyzer.Analyze(ctx, source.Identifier)
	if err != nil {
		a.logger.Warn("analyze page source", "identifier", source.Identifier, "error", err)
		return
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		a.logger.Warn("encode extraction profile", "identifier", source.Identifier, "error", err)
		return
	}
	if err := a.repo.SetExtractionProfile(ctx, source.ID, string(raw)); err != nil {
		a.logger.Warn("persist extraction profile", "identifier", source.Identifier, "error", err)
		return
	}
	a.logger.Info("analyzed page source", "name", source.Name, "site", profile.SiteName)
}
