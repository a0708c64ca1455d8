package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/campuskb/sync-engine/engine/semantic"
	"github.com/campuskb/sync-engine/pkg/fn"
)

// pointID derives a stable point id from the chunk's source URL and index,
// so re-ingesting the same file produces the same ids instead of duplicates.
// Qdrant's PointId_Uuid requires an actual UUID, not an arbitrary hex
// string, so this follows the teacher's own engine/ingest.go id derivation:
// a SHA1 name-based UUID (RFC 4122 version 5) over the same URL#index key.
func pointID(url string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", url, index))).String()
}

// NewUpsertStage gets-or-creates the course's Qdrant collection and appends
// the new vectors. No prior vectors are ever deleted.
func NewUpsertStage(store semantic.Store, dims int) fn.Stage[EmbeddedRecordSet, IngestResult] {
	return func(ctx context.Context, set EmbeddedRecordSet) fn.Result[IngestResult] {
		if len(set.Records) == 0 {
			return fn.Ok(IngestResult{CourseID: set.CourseID})
		}

		collection := semantic.CollectionName(set.CourseID)
		if err := store.EnsureCollection(ctx, collection, dims); err != nil {
			return fn.Err[IngestResult](fmt.Errorf("ingest: ensure collection: %w", err))
		}

		vectors := make([]semantic.VectorRecord, len(set.Records))
		for i, r := range set.Records {
			vectors[i] = semantic.VectorRecord{
				ID:        pointID(r.URL, r.Index),
				Embedding: set.Embeddings[i],
				Payload: map[string]any{
					"content":   r.Text,
					"course_id": r.CourseID,
					"title":     r.Title,
					"url":       r.URL,
				},
			}
		}
		if err := store.Add(ctx, collection, vectors); err != nil {
			return fn.Err[IngestResult](fmt.Errorf("ingest: upsert: %w", err))
		}

		return fn.Ok(IngestResult{CourseID: set.CourseID, ChunksStored: len(vectors)})
	}
}
