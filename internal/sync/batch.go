package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/mspsync/internal/logger"
	"github.com/JohanCodinha/mspsync/internal/metrics"
)

// batchResult tallies one persistence pass.
type batchResult struct {
	upserted int
	skipped  int
	warnings []string
}

// persistInBatches stores items batchSize at a time. The writes of one batch
// run concurrently and the next batch starts only when the whole batch is
// done, which caps in-flight writes at batchSize.
//
// A failing item is logged once, counted as skipped and does not affect the
// rest of its batch. Only context cancellation stops the pass early.
func persistInBatches[T any](ctx context.Context, entity string, items []T, batchSize int,
	id func(T) int64, persist func(context.Context, T) error) (batchResult, error) {
	var res batchResult
	var upserted, skipped atomic.Int64
	warnings := make([]string, len(items))

	if batchSize <= 0 {
		batchSize = len(items)
	}

	for start := 0; start < len(items); start += batchSize {
		batch := items[start:min(start+batchSize, len(items))]
		if err := ctx.Err(); err != nil {
			res.upserted, res.skipped = int(upserted.Load()), int(skipped.Load())
			res.warnings = compact(warnings)
			return res, fmt.Errorf("sync: persisting %s: %w", entity, err)
		}

		var g errgroup.Group
		for i, item := range batch {
			slot := start + i
			g.Go(func() error {
				err := persist(ctx, item)
				if err == nil {
					upserted.Add(1)
					metrics.RecordsUpserted.WithLabelValues(entity).Inc()
					return nil
				}

				skipped.Add(1)
				metrics.RecordsSkipped.WithLabelValues(entity).Inc()
				var recErr *RecordError
				if errors.As(err, &recErr) {
					warnings[slot] = "skipped " + recErr.Error()
				} else {
					warnings[slot] = fmt.Sprintf("skipped %s %d: %v", entity, id(item), err)
				}
				logger.Warn("sync: %s", warnings[slot])
				return nil
			})
		}
		_ = g.Wait()
	}

	res.upserted, res.skipped = int(upserted.Load()), int(skipped.Load())
	res.warnings = compact(warnings)
	return res, nil
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
