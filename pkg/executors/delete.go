package executors

import (
	"context"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/retrypolicy"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Deleter removes an expired or duplicated chapter downstream and moves its
// record into the deleted-chapter audit trail.
type Deleter struct {
	deps
	log logger.Logger
}

func NewDeleter(gw *gateway.Gateway, store *chapters.Service, policy retrypolicy.Policy) *Deleter {
	return &Deleter{
		deps: deps{gw: gw, store: store, policy: policy},
		log:  logger.New(),
	}
}

func (d *Deleter) Execute(ctx context.Context, data *models.OperationDeleteData) (Outcome, error) {
	ch := data.Chapter
	if ch == nil {
		return OutcomeFailed, errors.New("delete operation has no chapter")
	}

	log := d.log.Root(logger.Data{
		"source_chapter_id": ch.SourceChapterID,
		"manga":             ch.MangaName,
	})

	// Never published: nothing to remove downstream, just retire the
	// backlog record.
	if !ch.Published() {
		if err := d.store.MoveToDeleted(ctx, ch); err != nil {
			log.Err(err).Error("backlog retire failed")
			return OutcomeFailed, err
		}
		log.Info("unpublished chapter retired from backlog")
		return OutcomeDeleted, nil
	}

	targetChapterID := *ch.TargetChapterID

	err := d.policy.Do(ctx, func(ctx context.Context) error {
		_, err := d.gw.Delete(ctx, "/chapter/"+targetChapterID)
		return err
	})
	if err != nil && errcodes.ClassOf(err) != errcodes.ClassNotFound {
		// The record stays queued conceptually: the chapter row keeps
		// its past expiry, so the next scheduler pass re-enqueues it.
		log.Err(err).Error("chapter delete failed", logger.Data{"target_chapter_id": targetChapterID})
		return OutcomeFailed, err
	}
	if err != nil {
		log.Info("chapter already deleted downstream", logger.Data{"target_chapter_id": targetChapterID})
	}

	if err := d.store.MoveToDeleted(ctx, ch); err != nil {
		log.Err(err).Error("audit move failed after delete")
		return OutcomeFailed, err
	}

	log.Info("chapter deleted", logger.Data{"target_chapter_id": targetChapterID})
	return OutcomeDeleted, nil
}
