package notes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kalder/scribe/internal/storage"
	"github.com/kalder/scribe/pkg/types"
)

// Bulk batch bounds enforced before any item is processed.
const (
	MinBulkItems = 1
	MaxBulkItems = 50

	// maxConcurrentNotes caps how many notes are in flight at once so a
	// large batch cannot exhaust the LLM rate budget or the DB pool.
	maxConcurrentNotes = 5
)

// ProcessBulk ingests a batch of notes with bounded concurrency. Each item
// succeeds or fails independently; one bad note never aborts the batch.
// Results preserve the order of the input within each partition.
func (p *Pipeline) ProcessBulk(ctx context.Context, owner string, items []types.BulkNoteItem, sessionID string) (*types.BulkResult, error) {
	if len(items) < MinBulkItems || len(items) > MaxBulkItems {
		return nil, fmt.Errorf("%w: bulk batch must contain between %d and %d notes, got %d",
			storage.ErrInvalidInput, MinBulkItems, MaxBulkItems, len(items))
	}
	start := time.Now()

	type itemOutcome struct {
		index  int
		result types.BulkItemResult
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make([]itemOutcome, 0, len(items))
	)
	sem := make(chan struct{}, maxConcurrentNotes)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, item types.BulkNoteItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			// The batch session groups all its notes; per-item sessions
			// apply only when the batch has none.
			itemSession := sessionID
			if itemSession == "" {
				itemSession = item.SessionID
			}

			itemStart := time.Now()
			res, err := p.ProcessNote(ctx, owner, item.Text, item.Tags, itemSession)
			elapsed := time.Since(itemStart).Milliseconds()

			var out types.BulkItemResult
			if err != nil {
				out = types.BulkItemResult{
					ProcessingTimeMs: elapsed,
					Success:          false,
					Error:            err.Error(),
				}
			} else {
				noteID := res.NoteID
				out = types.BulkItemResult{
					NoteID:           &noteID,
					Entities:         res.Entities,
					ProcessingTimeMs: res.ProcessingTimeMs,
					Success:          true,
				}
			}

			mu.Lock()
			outcomes = append(outcomes, itemOutcome{index: idx, result: out})
			mu.Unlock()
		}(i, item)
	}

	wg.Wait()

	result := &types.BulkResult{
		Stored:         make([]types.BulkItemResult, 0, len(items)),
		Failed:         make([]types.BulkItemResult, 0),
		TotalProcessed: len(items),
		SessionID:      sessionID,
	}

	// Re-order by input index so partition order is deterministic.
	byIndex := make([]types.BulkItemResult, len(items))
	for _, o := range outcomes {
		byIndex[o.index] = o.result
	}
	for _, r := range byIndex {
		if r.Success {
			result.Stored = append(result.Stored, r)
			result.SuccessCount++
		} else {
			result.Failed = append(result.Failed, r)
			result.FailureCount++
		}
	}
	result.TotalTimeMs = time.Since(start).Milliseconds()

	return result, nil
}
