package executors

import (
	"context"
	"net/http"

	"github.com/mangabridge/mangabridge/pkg/chapters"
	"github.com/mangabridge/mangabridge/pkg/gateway"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/retrypolicy"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Uploader publishes one chapter through the downstream session flow:
// NoSession -> SessionOpen -> Committed | Failed. The platform allows exactly
// one open session per account, so any stale session is deleted first.
type Uploader struct {
	deps
	groupID string
	log     logger.Logger
}

func NewUploader(gw *gateway.Gateway, store *chapters.Service, policy retrypolicy.Policy, groupID string) *Uploader {
	return &Uploader{
		deps:    deps{gw: gw, store: store, policy: policy},
		groupID: groupID,
		log:     logger.New(),
	}
}

type sessionEnvelope struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Execute runs the full upload state machine for one queued chapter. The
// returned outcome is terminal; errors are only informational alongside a
// failed outcome.
func (u *Uploader) Execute(ctx context.Context, data *models.OperationUploadData) (Outcome, error) {
	ch := data.Chapter
	if ch == nil || ch.TargetMangaID == nil {
		return OutcomeFailed, errors.New("upload operation has no target manga mapping")
	}

	log := u.log.Root(logger.Data{
		"source_chapter_id": ch.SourceChapterID,
		"manga":             ch.MangaName,
		"language":          ch.Language,
	})

	sessionID, err := u.openSession(ctx, *ch.TargetMangaID)
	if err != nil {
		log.Err(err).Error("upload session could not be created")
		return OutcomeSessionError, err
	}
	log.Info("upload session open", logger.Data{"session_id": sessionID})

	targetChapterID, err := u.commit(ctx, sessionID, ch)
	if err != nil {
		log.Err(err).Error("chapter commit failed, removing orphaned session")
		u.removeSession(ctx, sessionID)
		return OutcomeSessionError, err
	}

	ch.TargetChapterID = &targetChapterID
	if err := u.store.UpsertPublished(ctx, ch); err != nil {
		// The publish succeeded downstream; a store failure must not
		// report session_error or the chapter would be re-uploaded.
		log.Err(err).Error("publish confirmed but store update failed")
	}

	log.Info("chapter committed", logger.Data{"target_chapter_id": targetChapterID})
	return OutcomeUploaded, nil
}

// openSession deletes any stale session, then begins a new one for the manga
// and managed group.
func (u *Uploader) openSession(ctx context.Context, targetMangaID string) (string, error) {
	var sessionID string

	err := u.policy.Do(ctx, func(ctx context.Context) error {
		if err := u.deleteExistingSession(ctx); err != nil {
			return err
		}

		resp, err := u.gw.Post(ctx, "/upload/begin", gateway.WithBody(map[string]interface{}{
			"manga":  targetMangaID,
			"groups": []string{u.groupID},
		}))
		if err != nil {
			return err
		}

		var envelope sessionEnvelope
		if err := resp.Decode(&envelope); err != nil {
			return err
		}
		sessionID = envelope.Data.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// deleteExistingSession looks up the account's open session and removes it.
// A 404 means there is none.
func (u *Uploader) deleteExistingSession(ctx context.Context) error {
	resp, err := u.gw.Get(ctx, "/upload", gateway.WithOKCodes(http.StatusNotFound))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	var envelope sessionEnvelope
	if err := resp.Decode(&envelope); err != nil {
		return err
	}
	u.removeSession(ctx, envelope.Data.ID)
	return nil
}

func (u *Uploader) removeSession(ctx context.Context, sessionID string) {
	_, err := u.gw.Delete(ctx, "/upload/"+sessionID, gateway.WithOKCodes(http.StatusNotFound))
	if err != nil {
		u.log.Err(err).Warn("upload session delete failed", logger.Data{"session_id": sessionID})
	}
}

// commit submits the chapter metadata payload to the open session. A 401
// mid-sequence re-authenticates inside the gateway and resumes with the same
// payload; the session is never re-created here.
func (u *Uploader) commit(ctx context.Context, sessionID string, ch *models.Chapter) (string, error) {
	draft := map[string]interface{}{
		"volume":             ch.Volume,
		"chapter":            ch.Number,
		"title":              ch.Title,
		"translatedLanguage": ch.Language,
		"externalUrl":        ch.SourceURL,
	}
	if ch.ExpireAt != nil {
		draft["publishAt"] = ch.ExpireAt.UTC().Format("2006-01-02T15:04:05")
	}

	var targetChapterID string
	err := u.policy.Do(ctx, func(ctx context.Context) error {
		resp, err := u.gw.Post(ctx, "/upload/"+sessionID+"/commit", gateway.WithBody(map[string]interface{}{
			"chapterDraft": draft,
			"pageOrder":    []string{},
		}))
		if err != nil {
			return err
		}

		var envelope sessionEnvelope
		if err := resp.Decode(&envelope); err != nil {
			return err
		}
		targetChapterID = envelope.Data.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return targetChapterID, nil
}
