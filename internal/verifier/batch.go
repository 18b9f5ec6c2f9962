package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// VerifyBatch runs every image's pipeline concurrently. Backpressure
// comes from the shared stage semaphores, so launching all pipelines
// up front cannot overload the daemon or the providers. Results keep
// the order of the input list; one agent's crash never touches its
// siblings.
func (v *Verifier) VerifyBatch(ctx context.Context, images []string, opts Options) *BatchResult {
	start := time.Now()

	results := make([]*Result, len(images))
	errs := make([]error, len(images))

	var wg sync.WaitGroup
	for i, image := range images {
		wg.Add(1)
		go func(i int, image string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("verifier: pipeline panic: %v", r)
					log.Error().Str("image", image).Interface("panic", r).Msg("verification pipeline panicked")
				}
			}()
			results[i], errs[i] = v.Verify(ctx, image, opts)
		}(i, image)
	}
	wg.Wait()

	batch := &BatchResult{
		Total:          len(images),
		ProcessingTime: time.Since(start),
	}
	scoreSum := 0
	for i, image := range images {
		if errs[i] != nil {
			batch.Failed++
			batch.Failures = append(batch.Failures, Failure{Image: image, Error: errs[i].Error()})
			continue
		}
		batch.Successful++
		scoreSum += results[i].FortScore
		batch.Results = append(batch.Results, results[i])
	}
	if batch.Successful > 0 {
		batch.AverageFortScore = float64(scoreSum) / float64(batch.Successful)
	}

	log.Info().
		Int("total", batch.Total).
		Int("successful", batch.Successful).
		Int("failed", batch.Failed).
		Float64("average_fort_score", batch.AverageFortScore).
		Dur("elapsed", batch.ProcessingTime).
		Msg("batch verification complete")
	return batch
}
