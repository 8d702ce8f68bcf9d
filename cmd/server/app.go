package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/agents"
	"github.com/example/finance-pipeline/internal/config"
	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/orchestrator"
	"github.com/example/finance-pipeline/internal/providers/llm"
	"github.com/example/finance-pipeline/internal/store"
	"github.com/example/finance-pipeline/internal/tools"
)

// app is everything a command needs, built once from the config.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	coordinator *orchestrator.Coordinator
	hub         *orchestrator.Hub
	history     *store.History
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, hub: orchestrator.NewHub()}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	images, err := llm.NewImageClient(cfg.Images)
	if err != nil {
		return err
	}
	a.log.Info("providers configured", zap.String("llm", cfg.LLM.Provider), zap.String("images", cfg.Images.Provider))

	reg := tools.NewRegistry(
		tools.NewHTTPGetTool(cfg.Retrieval.HTTPTimeout.Duration, cfg.Retrieval.MaxBodyBytes),
		&tools.HTMLToTextTool{},
		&tools.PDFExtractTool{MaxPages: cfg.Retrieval.MaxReportPages},
		&tools.SummarizeTool{Client: client},
	)

	sources := []agents.Source{agents.StaticSource{}}
	if cfg.Retrieval.ExchangeRateURL != "" {
		sources = append(sources, &agents.ExchangeRateSource{Tools: reg, URL: cfg.Retrieval.ExchangeRateURL})
	}
	if cfg.Retrieval.NewsURL != "" {
		sources = append(sources, &agents.NewsSource{Tools: reg, URL: cfg.Retrieval.NewsURL, Summarize: cfg.Retrieval.SummarizeNews})
	}
	if len(cfg.Retrieval.ReportPaths) > 0 {
		sources = append(sources, &agents.ReportSource{Tools: reg, Paths: cfg.Retrieval.ReportPaths})
	}

	var stages orchestrator.Stages
	stages.Intent = agents.KeywordClassifier{}
	if cfg.Pipeline.LLMIntent {
		stages.Intent = &agents.LLMClassifier{Client: client}
	}
	stages.Retrieve = agents.NewRetriever(cfg.Retrieval.MaxParallel, cfg.Retrieval.CacheTTL.Duration, sources...)
	stages.Reason = agents.RuleReasoner{}
	if cfg.Pipeline.LLMReasoner {
		stages.Reason = &agents.LLMReasoner{Client: client}
	}
	stages.Write = agents.TemplateWriter{}
	if cfg.Pipeline.LLMWriter {
		stages.Write = &agents.LLMWriter{Client: client, Stream: cfg.Pipeline.StreamTokens}
	}

	imageStore, err := store.NewImageStore(cfg.Storage.ImagesDir, cfg.Storage.ImagesURL)
	if err != nil {
		return err
	}
	stages.Visualize = agents.NewChartVisualizer(imageStore, images)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.log),
		orchestrator.WithHub(a.hub),
		orchestrator.WithStageTimeout(cfg.Pipeline.StageTimeout.Duration),
		orchestrator.WithRetry(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBackoff.Duration),
		orchestrator.WithPreviewLimit(cfg.Pipeline.PreviewMaxSize),
	}
	if cfg.Storage.HistoryPath != "" {
		h, err := store.OpenHistory(cfg.Storage.HistoryPath)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		a.history = h
		opts = append(opts, orchestrator.WithRecorder(h))
	}

	a.coordinator, err = orchestrator.New(stages, opts...)
	return err
}

func (a *app) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("closing history", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
