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

// Editor pushes a drifted chapter's fields to the downstream record with a
// single PUT. The payload was diffed at reconciliation time; a 404 here means
// the record no longer exists and the edit is abandoned.
type Editor struct {
	deps
	log logger.Logger
}

func NewEditor(gw *gateway.Gateway, store *chapters.Service, policy retrypolicy.Policy) *Editor {
	return &Editor{
		deps: deps{gw: gw, store: store, policy: policy},
		log:  logger.New(),
	}
}

func (e *Editor) Execute(ctx context.Context, data *models.OperationEditData) (Outcome, error) {
	if data.Payload == nil || data.TargetChapterID == "" {
		return OutcomeFailed, errors.New("edit operation has no payload or target id")
	}
	ch := data.Chapter

	log := e.log.Root(logger.Data{
		"target_chapter_id": data.TargetChapterID,
		"manga":             ch.MangaName,
	})

	err := e.policy.Do(ctx, func(ctx context.Context) error {
		_, err := e.gw.Put(ctx, "/chapter/"+data.TargetChapterID, gateway.WithBody(data.Payload))
		return err
	})
	if err != nil {
		if errcodes.ClassOf(err) == errcodes.ClassNotFound {
			log.Warn("chapter to edit no longer exists downstream")
			return OutcomeGone, nil
		}
		log.Err(err).Error("chapter edit failed")
		return OutcomeFailed, err
	}

	ch.TargetChapterID = &data.TargetChapterID
	if err := e.store.UpsertPublished(ctx, ch); err != nil {
		log.Err(err).Error("edit confirmed but store update failed")
	}

	log.Info("chapter edited")
	return OutcomeEdited, nil
}
