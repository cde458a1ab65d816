package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"exam-grader/api/internal/callback"
	"exam-grader/api/internal/config"
	"exam-grader/api/internal/grading"
	"exam-grader/api/internal/imagefetch"
	"exam-grader/api/internal/imageproc"
	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/llm/gemini"
	"exam-grader/api/internal/llm/gpt"
	"exam-grader/api/internal/notify"
	"exam-grader/api/internal/recognition"
	"exam-grader/api/internal/scoring"
	"exam-grader/api/internal/store"
)

// app — компоненты процесса, собранные один раз при старте.
type app struct {
	cfg         *config.Config
	engine      llm.Engine
	db          *sql.DB
	recognizer  *recognition.Orchestrator
	scorer      *scoring.Reconciler
	dispatcher  *callback.Dispatcher
	coordinator *grading.Coordinator

	base     context.Context
	ledger   *store.JobRepo
	recorder grading.Recorder
	notifier grading.Notifier

	closers []func() error
}

// buildApp: base — контекст фоновых пакетов, он переживает отдельные HTTP-запросы.
func buildApp(ctx, base context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	engines := &llm.Engines{}
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "gpt", "openai":
		engines.OpenAI = gpt.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.ModelTimeout)
	default:
		g, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		engines.Gemini = g
		a.closers = append(a.closers, g.Close)
	}
	engine, err := engines.GetEngine(cfg.LLMProvider)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine

	opts := recognition.DefaultOptions()
	opts.RegionMargin = cfg.RegionExpandPercent
	opts.CropExpand = cfg.CropExpandPercent
	opts.ModelTimeout = cfg.ModelTimeout

	var recorder grading.Recorder
	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if err := store.EnsureSchema(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		slog.Info("db connected", slog.String("dsn", config.SafeDSNSummary(cfg.DatabaseURL)))

		cache := store.NewRecognitionRepo(db, engine.Name(), engine.GetModel(), cfg.RecognitionCacheTTL)
		if n, err := cache.PurgeOlderThan(ctx, cfg.RecognitionCacheTTL); err != nil {
			slog.Warn("recognition cache purge failed", slog.Any("err", err))
		} else if n > 0 {
			slog.Info("recognition cache purged", slog.Int64("rows", n))
		}
		opts.Cache = cache
		a.ledger = store.NewJobRepo(db)
		recorder = a.ledger
	}

	a.recognizer = recognition.New(engine,
		imagefetch.New(cfg.DownloadTimeout, cfg.MaxImageBytes),
		imageproc.New(),
		opts)
	a.scorer = scoring.New(engine, cfg.ModelTimeout)
	a.dispatcher = callback.New(cfg.CallbackTimeout, cfg.CallbackRetries)

	a.recorder = recorder
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			// без оповещений сервис работает
			slog.Warn("telegram alerts disabled", slog.Any("err", err))
		} else {
			a.notifier = tg
		}
	}
	a.base = base
	a.coordinator = a.coordinatorWith(a.dispatcher)

	slog.Info("engine ready",
		slog.String("engine", engine.Name()),
		slog.String("model", engine.GetModel()))
	return a, nil
}

// coordinatorWith — координатор с другим получателем колбэков (CLI печатает их в stdout).
func (a *app) coordinatorWith(sender grading.Sender) *grading.Coordinator {
	c := grading.New(a.base, a.recognizer, a.scorer, sender)
	c.MaxConcurrent = a.cfg.MaxConcurrentSheets
	c.Recorder = a.recorder
	c.Notifier = a.notifier
	return c
}

// ping для /healthz; nil, если БД не настроена.
func (a *app) ping() func(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.PingContext
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
