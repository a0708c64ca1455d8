package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/campuskb/sync-engine/pkg/embed"
	"github.com/campuskb/sync-engine/pkg/fn"
	"github.com/campuskb/sync-engine/pkg/metrics"
)

// NewEmbedStage builds an Embed stage that calls client.Embed once per
// document's chunk texts, respecting the client's own batching. reg may be
// nil, in which case no latency is recorded.
func NewEmbedStage(client *embed.Client, reg *metrics.Registry) fn.Stage[ChunkRecordSet, EmbeddedRecordSet] {
	return func(ctx context.Context, set ChunkRecordSet) fn.Result[EmbeddedRecordSet] {
		if len(set.Records) == 0 {
			return fn.Ok(EmbeddedRecordSet{CourseID: set.CourseID})
		}

		texts := make([]string, len(set.Records))
		for i, r := range set.Records {
			texts[i] = r.Text
		}

		start := time.Now()
		embeddings, err := client.Embed(ctx, texts)
		if reg != nil {
			reg.EmbeddingLatency.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return fn.Err[EmbeddedRecordSet](fmt.Errorf("ingest: embed: %w", err))
		}
		return fn.Ok(EmbeddedRecordSet{
			CourseID:   set.CourseID,
			Records:    set.Records,
			Embeddings: embeddings,
		})
	}
}
