// Package main implements the synchronizer's HTTP trigger: a thin API that
// kicks off one user's update run on request and streams its progress back,
// the way the teacher's cmd/api wraps its RAG service behind a mux.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

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
	"github.com/campuskb/sync-engine/pkg/mid"
	"github.com/campuskb/sync-engine/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port              string
	DatabaseURL       string
	QdrantAddr        string
	EmbeddingURL      string
	EmbeddingAPIType  string
	EmbeddingModel    string
	EmbeddingDims     int
	KnowledgeBaseRoot string
	NATSURL           string
	ProgressSubject   string
	CORSOrigin        string

	LMSThreshold        time.Duration
	ExamThreshold       time.Duration
	LMSWorkers          int
	ExamWorkers         int
	LMSMyCoursesURL     string
	LMSCourseURLPattern string
	ExamSearchURL       string
	ExamRateLimitPerSec float64

	MetricsPort int
}

func loadConfig() Config {
	return Config{
		Port:              envOr("PORT", "8080"),
		DatabaseURL:       envOr("DATABASE_URL", "postgres://localhost:5432/syncengine"),
		QdrantAddr:        envOr("QDRANT_URL", "localhost:6334"),
		EmbeddingURL:      envOr("EMBEDDING_URL", "http://localhost:11434/api/embed"),
		EmbeddingAPIType:  envOr("EMBEDDING_API_TYPE", "batch"),
		EmbeddingModel:    envOr("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDims:     envIntOr("EMBEDDING_DIMS", 768),
		KnowledgeBaseRoot: envOr("KNOWLEDGE_BASE_ROOT", "/tmp/sync-engine-kb"),
		NATSURL:           envOr("NATS_URL", nats.DefaultURL),
		ProgressSubject:   envOr("PROGRESS_SUBJECT", "sync.progress"),
		CORSOrigin:        envOr("CORS_ORIGIN", "*"),

		LMSThreshold:        envDurationOr("LMS_FRESHNESS_THRESHOLD", 24*time.Hour),
		ExamThreshold:       envDurationOr("EXAM_FRESHNESS_THRESHOLD", 30*24*time.Hour),
		LMSWorkers:          envIntOr("LMS_WORKERS", 3),
		ExamWorkers:         envIntOr("EXAM_WORKERS", 2),
		LMSMyCoursesURL:     envOr("LMS_MY_COURSES_URL", "https://moodle.hku.hk/my/courses.php"),
		LMSCourseURLPattern: envOr("LMS_COURSE_URL_PATTERN", "https://moodle.hku.hk/course/view.php?id=%d"),
		ExamSearchURL:       envOr("EXAM_SEARCH_URL", "https://exambase.lib.hku.hk/search"),
		ExamRateLimitPerSec: envFloatOr("EXAM_RATE_LIMIT_PER_SEC", 0.5),

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
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// server wires every collaborator the HTTP layer needs to trigger and
// report on update runs.
type server struct {
	deps   orchestrator.Deps
	bus    progress.Bus
	logger *slog.Logger
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsReg := metrics.New()
	metricsReg.ServeAsync(cfg.MetricsPort, logger)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

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

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	bus := progress.NewNATSBus(nc, cfg.ProgressSubject)

	broker := session.NewBroker(session.NoDriver{}, session.DefaultBrokerOpts)

	lmsCfg := lms.DefaultConfig()
	lmsCfg.MyCoursesURL = cfg.LMSMyCoursesURL
	lmsCfg.CourseURLPattern = cfg.LMSCourseURLPattern

	examCfg := exam.DefaultConfig()
	examCfg.SearchURL = cfg.ExamSearchURL
	examCfg.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.ExamRateLimitPerSec, Burst: 1})

	srv := &server{
		logger: logger,
		bus:    bus,
		deps: orchestrator.Deps{
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
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/v1/users/{id}/sync", srv.handleTriggerUpdate)
	mux.HandleFunc("GET /api/v1/progress", srv.handleStreamProgress)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.OTel("sync-engine-api"),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// TriggerRequest is the JSON body for POST /api/v1/users/{id}/sync.
type TriggerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleTriggerUpdate runs one update cycle synchronously and returns its
// Stats envelope. The run itself may take minutes; callers that only want
// to kick it off and watch /api/v1/progress should not wait on this
// response body.
func (s *server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, `{"error":"email and password are required"}`, http.StatusBadRequest)
		return
	}

	creds := session.Credentials{Email: req.Email, Password: req.Password}
	stats, err := orchestrator.Update(r.Context(), s.deps, userID, creds)
	if err != nil {
		s.logger.Error("update failed", "user_id", userID, "err", err)
		http.Error(w, `{"error":"update failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleStreamProgress relays the progress bus onto the client as
// newline-delimited JSON until the client disconnects.
func (s *server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	ch, err := s.bus.Subscribe(r.Context())
	if err != nil {
		http.Error(w, `{"error":"subscribe failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
