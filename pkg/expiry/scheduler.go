// Package expiry finds chapters whose visibility window has passed and feeds
// them to the delete queue.
package expiry

import (
	"context"
	"time"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

type Scheduler struct {
	store *chapters.Service
	queue *queue.Service
	log   logger.Logger

	// now is replaced in tests.
	now func() time.Time
}

func NewScheduler(store *chapters.Service, q *queue.Service) *Scheduler {
	return &Scheduler{
		store: store,
		queue: q,
		log:   logger.New(),
		now:   time.Now,
	}
}

// Scan enqueues one delete operation per expired chapter. It is idempotent:
// a chapter whose delete is still pending is skipped, so repeated scans
// before the delete completes never produce duplicates. Chapters that were
// never published are retired from the backlog without touching the API.
// Returns the number of operations enqueued.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	now := s.now()

	expired, err := s.store.ListChapters(ctx, chapters.ListChaptersOptions{ExpiredAsOf: &now})
	if err != nil {
		return 0, errors.Wrap(err, "expiry scan failed")
	}

	enqueued := 0
	for _, ch := range expired {
		if !ch.Published() {
			// Eligible for silent removal: no downstream record to
			// delete.
			if err := s.store.MoveToDeleted(ctx, ch); err != nil {
				s.log.Err(err).Error("silent backlog removal failed", logger.Data{"source_chapter_id": ch.SourceChapterID})
			}
			continue
		}

		op := &models.Operation{
			Verb:            models.OperationVerbDelete,
			TargetChapterID: ch.TargetChapterID,
			DataParsed:      &models.OperationDeleteData{Chapter: ch},
		}
		added, err := s.queue.EnqueueDelete(ctx, op)
		if err != nil {
			return enqueued, errors.Wrap(err, "delete enqueue failed")
		}
		if added {
			enqueued++
			s.log.Info("expired chapter queued for deletion", logger.Data{
				"source_chapter_id": ch.SourceChapterID,
				"target_chapter_id": *ch.TargetChapterID,
				"expired_at":        ch.ExpireAt.Format(time.RFC3339),
			})
		}
	}

	return enqueued, nil
}
