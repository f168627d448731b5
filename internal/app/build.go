package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/config"
	"github.com/antoniostano/minghe/internal/crisis"
	"github.com/antoniostano/minghe/internal/generation"
	"github.com/antoniostano/minghe/internal/httpapi"
	"github.com/antoniostano/minghe/internal/logging"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/observability"
	"github.com/antoniostano/minghe/internal/orchestrator"
	"github.com/antoniostano/minghe/internal/retrieval"
	"github.com/antoniostano/minghe/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Detector     *crisis.Detector
	// Watcher is nil unless a pattern file is configured and watching is on.
	Watcher *crisis.Watcher
	Memory  *memory.Store
	Metrics *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires every component from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = logging.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	detector, err := buildDetector(cfg)
	if err != nil {
		return nil, err
	}
	var watcher *crisis.Watcher
	if cfg.CrisisPatternsPath != "" && cfg.CrisisWatch {
		watcher, err = crisis.NewWatcher(cfg.CrisisPatternsPath, detector, logger)
		if err != nil {
			return nil, err
		}
		watcher.SetReloadHook(func(_ int, err error) {
			metrics.ObservePatternReload(err == nil)
		})
	}

	memoryStore, err := memory.NewStore(ctx, memory.Config{
		DatabaseURL:   cfg.DatabaseURL,
		SQLitePath:    cfg.SQLitePath,
		RedisURL:      cfg.RedisURL,
		WindowTTL:     cfg.RedisWindowTTL,
		Window:        cfg.MemorySessionWindow,
		MergeAttempts: cfg.MemoryMergeAttempts,
	}, memory.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	corpus, err := buildCorpus(cfg)
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}
	searcher := retrieval.NewTool(corpus, retrieval.ToolOptions{
		TopK:     cfg.RetrievalTopK,
		Timeout:  cfg.ToolTimeout,
		CacheTTL: cfg.RetrievalCacheTTL,
	})

	generator, err := generation.NewGenerator(generation.Config{
		Mode:        cfg.GeneratorMode,
		URL:         cfg.GeneratorURL,
		FallbackURL: cfg.GeneratorFallbackURL,
		APIKey:      cfg.GeneratorAPIKey,
		Model:       cfg.GeneratorModel,
		Timeout:     cfg.GeneratorTimeout,
		Stream:      cfg.GeneratorStream,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("generator init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	orch, err := orchestrator.New(orchestrator.Config{
		Detector:    detector,
		Memory:      memoryStore,
		Generator:   generator,
		Assessments: assessment.NewManager(cfg.AssessmentIdleTimeout),
		Retrieval:   searcher,
		TopK:        cfg.RetrievalTopK,
		Sessions:    sessions,
		Alerter:     buildAlerter(cfg, memoryStore, logger, metrics),
		Metrics:     metrics,
		Logger:      logger,
		ToolTimeout: cfg.ToolTimeout,
	})
	if err != nil {
		_ = memoryStore.Close()
		return nil, err
	}

	// Short-term memory lives exactly as long as its session.
	sessions.SetEndHook(func(s *session.Session, reason string) {
		metrics.ObserveSessionEvent(reason)
		metrics.SetActiveSessions(sessions.ActiveCount())
		if err := orch.EndSession(context.Background(), s.ID); err != nil {
			logger.Warn("session window not dropped", zap.String("session_id", s.ID), zap.Error(err))
		}
	})

	api := httpapi.New(cfg, sessions, orch, memoryStore, metrics, logger)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Detector:     detector,
		Watcher:      watcher,
		Memory:       memoryStore,
		Metrics:      metrics,
		Cleanup:      memoryStore.Close,
	}, nil
}

func buildDetector(cfg config.Config) (*crisis.Detector, error) {
	if cfg.CrisisPatternsPath == "" {
		return crisis.NewDefaultDetector()
	}
	table, err := crisis.LoadFile(cfg.CrisisPatternsPath)
	if err != nil {
		return nil, fmt.Errorf("crisis patterns: %w", err)
	}
	return crisis.NewDetector(table)
}

func buildCorpus(cfg config.Config) (*retrieval.Corpus, error) {
	if strings.TrimSpace(cfg.KnowledgeBasePath) == "" {
		return retrieval.DefaultCorpus()
	}
	corpus, err := retrieval.LoadDir(cfg.KnowledgeBasePath)
	if err != nil {
		return nil, fmt.Errorf("knowledge base: %w", err)
	}
	return corpus, nil
}

// buildAlerter always logs; alerts are also published on Redis when the
// session windows already live there.
func buildAlerter(cfg config.Config, store *memory.Store, logger *zap.Logger, metrics *observability.Metrics) orchestrator.Alerter {
	logAlerter := orchestrator.NewLogAlerter(logger, metrics)
	rw, ok := store.Windows().(*memory.RedisWindows)
	if !ok || cfg.AlertRedisChannel == "" {
		return logAlerter
	}
	return orchestrator.MultiAlerter{logAlerter, orchestrator.NewRedisAlerter(rw.Client(), cfg.AlertRedisChannel)}
}
