// Package main runs one update cycle of the course knowledge-base
// synchronizer for a single user, the way the teacher's cmd/api runs one
// long-lived HTTP process: load Config from the environment, wire every
// collaborator, run, report, exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskb/sync-engine/engine/exam"
	"github.com/campuskb/sync-engine/engine/ingest"
	"github.com/campuskb/sync-engine/engine/lms"
	"github.com/campuskb/sync-engine/engine/metadata"
	"github.com/campuskb/sync-engine/engine/orchestrator"
	"github.com/campuskb/sync-engine/engine/progress"
	"github.com/campuskb/sync-engine/engine/semantic"
	"github.com/campuskb/sync-engine/engine/session"
	"github.com/campuskb/sync-engine/pkg/embed"
	"github.com/campuskb/sync-engine/pkg/metrics"
	"github.com/campuskb/sync-engine/pkg/resilience"
)

// Config holds all environment-based configuration for one run.
type Config struct {
	DatabaseURL       string
	QdrantAddr        string
	EmbeddingURL      string
	EmbeddingAPIType  string
	EmbeddingModel    string
	EmbeddingDims     int
	KnowledgeBaseRoot string

	LMSThreshold  time.Duration
	ExamThreshold time.Duration
	LMSWorkers    int
	ExamWorkers   int

	LMSMyCoursesURL     string
	LMSCourseURLPattern string
	ExamSearchURL       string
	ExamRateLimitPerSec float64

	UserID   int64
	Email    string
	Password string

	MetricsPort int
}

func loadConfig() Config {
	return Config{
		DatabaseURL:       envOr("DATABASE_URL", "postgres://localhost:5432/syncengine"),
		QdrantAddr:        envOr("QDRANT_URL", "localhost:6334"),
		EmbeddingURL:      envOr("EMBEDDING_URL", "http://localhost:11434/api/embed"),
		EmbeddingAPIType:  envOr("EMBEDDING_API_TYPE", "batch"),
		EmbeddingModel:    envOr("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDims:     envIntOr("EMBEDDING_DIMS", 768),
		KnowledgeBaseRoot: envOr("KNOWLEDGE_BASE_ROOT", "/tmp/sync-engine-kb"),

		LMSThreshold:  envDurationOr("LMS_FRESHNESS_THRESHOLD", 24*time.Hour),
		ExamThreshold: envDurationOr("EXAM_FRESHNESS_THRESHOLD", 30*24*time.Hour),
		LMSWorkers:    envIntOr("LMS_WORKERS", 3),
		ExamWorkers:   envIntOr("EXAM_WORKERS", 2),

		LMSMyCoursesURL:     envOr("LMS_MY_COURSES_URL", "https://moodle.hku.hk/my/courses.php"),
		LMSCourseURLPattern: envOr("LMS_COURSE_URL_PATTERN", "https://moodle.hku.hk/course/view.php?id=%d"),
		ExamSearchURL:       envOr("EXAM_SEARCH_URL", "https://exambase.lib.hku.hk/search"),
		ExamRateLimitPerSec: envFloatOr("EXAM_RATE_LIMIT_PER_SEC", 0.5),

		UserID:   envInt64Or("SYNC_USER_ID", 0),
		Email:    envOr("SYNC_EMAIL", ""),
		Password: envOr("SYNC_PASSWORD", ""),

		MetricsPort: envIntOr("METRICS_PORT", 9090),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("sync run failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.UserID == 0 || cfg.Email == "" || cfg.Password == "" {
		return fmt.Errorf("SYNC_USER_ID, SYNC_EMAIL, and SYNC_PASSWORD must all be set")
	}

	metricsReg := metrics.New()
	metricsReg.ServeAsync(cfg.MetricsPort, logger)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	store := metadata.New(pool)

	vectorStore, err := semantic.New(cfg.QdrantAddr)
	if err != nil {
		return fmt.Errorf("connect qdrant: %w", err)
	}
	defer vectorStore.Close()

	embedder := embed.New(embed.Config{
		APIType: embed.APIType(cfg.EmbeddingAPIType),
		URL:     cfg.EmbeddingURL,
		Model:   cfg.EmbeddingModel,
	})

	broker := session.NewBroker(session.NoDriver{}, session.DefaultBrokerOpts)
	bus := progress.NewMemBus(256)

	lmsCfg := lms.DefaultConfig()
	lmsCfg.MyCoursesURL = cfg.LMSMyCoursesURL
	lmsCfg.CourseURLPattern = cfg.LMSCourseURLPattern

	examCfg := exam.DefaultConfig()
	examCfg.SearchURL = cfg.ExamSearchURL
	examCfg.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.ExamRateLimitPerSec, Burst: 1})

	deps := orchestrator.Deps{
		Metadata: store,
		Broker:   broker,
		Ingest: ingest.Deps{
			Embedder:         embedder,
			Store:            vectorStore,
			EmbeddingDims:    cfg.EmbeddingDims,
			KnowledgeBaseURL: cfg.KnowledgeBaseRoot,
			Chunker:          ingest.DefaultChunkerConfig(),
			Logger:           logger,
			Metrics:          metricsReg,
		},
		Progress:   bus,
		Logger:     logger,
		Metrics:    metricsReg,
		LMSConfig:  lmsCfg,
		ExamConfig: examCfg,
		Config: orchestrator.Config{
			LMSThreshold:      cfg.LMSThreshold,
			ExamThreshold:     cfg.ExamThreshold,
			LMSWorkers:        cfg.LMSWorkers,
			ExamWorkers:       cfg.ExamWorkers,
			KnowledgeBaseRoot: cfg.KnowledgeBaseRoot,
		},
	}

	creds := session.Credentials{Email: cfg.Email, Password: cfg.Password}

	logger.Info("sync starting", "user_id", cfg.UserID)
	stats, err := orchestrator.Update(ctx, deps, cfg.UserID, creds)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	logger.Info("sync done",
		"success", stats.Success,
		"moodle_courses", stats.Moodle.Courses,
		"moodle_files", stats.Moodle.FilesDownloaded,
		"exambase_courses", stats.Exambase.Courses,
		"exambase_files", stats.Exambase.FilesDownloaded,
		"ingested", len(stats.Ingestion),
		"total_time", stats.TotalTime,
	)
	if !stats.Success {
		return fmt.Errorf("update completed with failures")
	}
	return nil
}
