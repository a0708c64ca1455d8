// Package ingest turns downloaded course artifacts into searchable chunks:
// standardize the file to plain text, clean extraction artifacts, chunk it
// structure-aware, attach citation metadata, embed, and upsert into the
// course's vector collection.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/campuskb/sync-engine/engine/semantic"
	"github.com/campuskb/sync-engine/pkg/embed"
	"github.com/campuskb/sync-engine/pkg/fn"
	"github.com/campuskb/sync-engine/pkg/metrics"
)

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Embedder         *embed.Client
	Store            semantic.Store
	EmbeddingDims    int
	KnowledgeBaseURL string
	Chunker          ChunkerConfig
	Logger           *slog.Logger
	Metrics          *metrics.Registry
}

// LoggedTap returns a stage that logs entry/exit with duration, matching the
// teacher's entry/exit tap used between pipeline stages.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(_ context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline constructs the full ingestion pipeline: Standardize → Clean →
// Chunk → BuildChunkRecords → Embed → Upsert, with logging taps between
// stages, exactly as the teacher composes its own ingestion pipeline.
func NewPipeline(deps Deps) fn.Stage[ArtifactRef, IngestResult] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	chunkerCfg := deps.Chunker
	if chunkerCfg.TargetTokens == 0 {
		chunkerCfg = DefaultChunkerConfig()
	}

	standardized := fn.Then(LoggedTap[ArtifactRef]("standardize", log), Standardize)
	cleaned := fn.Then(standardized, fn.Then(LoggedTap[StandardizedDoc]("clean", log), Clean))
	chunked := fn.Then(cleaned, fn.Then(LoggedTap[CleanedDoc]("chunk", log), NewChunkStage(NewChunker(chunkerCfg))))
	built := fn.Then(chunked, fn.Then(LoggedTap[ChunkedDoc]("build_records", log), NewBuildChunkRecordsStage(deps.KnowledgeBaseURL)))
	embedded := fn.Then(built, fn.Then(LoggedTap[ChunkRecordSet]("embed", log), NewEmbedStage(deps.Embedder, deps.Metrics)))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedRecordSet]("upsert", log), NewUpsertStage(deps.Store, deps.EmbeddingDims)))

	return stored
}

// Run processes one artifact through the pipeline, filling in Path/CourseID
// on both success and failure so callers can log and count per-file outcomes
// without the batch stopping.
func Run(ctx context.Context, pipeline fn.Stage[ArtifactRef, IngestResult], ref ArtifactRef) IngestResult {
	result := pipeline(ctx, ref)
	if result.IsErr() {
		_, err := result.Unwrap()
		return IngestResult{CourseID: ref.CourseID, Path: ref.Path, Err: err}
	}
	out, _ := result.Unwrap()
	out.Path = ref.Path
	return out
}

// RunBatch runs every artifact through the pipeline, accumulating results.
// A per-file failure is recorded but never stops the batch.
func RunBatch(ctx context.Context, deps Deps, refs []ArtifactRef) []IngestResult {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	results := make([]IngestResult, len(refs))
	for i, ref := range refs {
		res := Run(ctx, pipeline, ref)
		if res.Err != nil {
			log.Error("ingest: file failed", "path", ref.Path, "error", res.Err)
			if deps.Metrics != nil {
				deps.Metrics.IngestErrors.Inc()
			}
		} else if deps.Metrics != nil {
			deps.Metrics.IngestedChunks.Add(float64(res.ChunksStored))
		}
		results[i] = res
	}
	return results
}
