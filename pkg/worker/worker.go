// Package worker drains the per-verb operation queues. Each verb gets one
// goroutine, which keeps operations of the same verb strictly ordered and
// lets the three verbs proceed independently.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/mangabridge/mangabridge/pkg/executors"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/mangabridge/mangabridge/pkg/notify"
	"github.com/mangabridge/mangabridge/pkg/queue"
	"github.com/robinjoseph08/golib/logger"
)

var verbs = []string{models.OperationVerbUpload, models.OperationVerbEdit, models.OperationVerbDelete}

type Worker struct {
	log logger.Logger

	queue *queue.Service
	sink  notify.Sink

	uploader *executors.Uploader
	editor   *executors.Editor
	deleter  *executors.Deleter

	pollInterval time.Duration
	maxAttempts  int

	shutdown chan struct{}
	done     chan struct{}
}

func New(q *queue.Service, sink notify.Sink, uploader *executors.Uploader, editor *executors.Editor, deleter *executors.Deleter, pollInterval time.Duration, maxAttempts int) *Worker {
	return &Worker{
		log: logger.New(),

		queue: q,
		sink:  sink,

		uploader: uploader,
		editor:   editor,
		deleter:  deleter,

		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,

		shutdown: make(chan struct{}),
		done:     make(chan struct{}, len(verbs)),
	}
}

func (w *Worker) Start() {
	for _, verb := range verbs {
		go w.run(verb)
	}
}

// Shutdown stops the verb loops. An operation already being executed is
// finished first; nothing new is picked up.
func (w *Worker) Shutdown() {
	close(w.shutdown)

	for range verbs {
		<-w.done
	}
}

func (w *Worker) run(verb string) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	// Records enqueued before this process started have no wake signal, so
	// drain once up front.
	w.drain(verb)

	for {
		select {
		case <-w.shutdown:
			w.done <- struct{}{}
			return
		case <-w.queue.Wake(verb):
			w.drain(verb)
		case <-timer.C:
			w.drain(verb)
		}
		timer.Reset(w.pollInterval)
	}
}

// drain processes the verb's backlog until the queue is empty. Every picked
// operation reaches a terminal outcome and is removed, so the loop always
// makes progress.
func (w *Worker) drain(verb string) {
	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		op, err := w.queue.Next(context.Background(), verb)
		if err != nil {
			if errcodes.ClassOf(err) != errcodes.ClassNotFound {
				w.log.Err(err).Error("queue fetch error", logger.Data{"verb": verb})
			}
			return
		}

		w.process(op)
	}
}

func (w *Worker) process(op *models.Operation) {
	id, err := uuid.NewRandom()
	if err != nil {
		w.log.Err(err).Error("new uuid error")
		return
	}
	log := w.log.ID(id.String()).Root(logger.Data{"operation_id": op.ID, "verb": op.Verb})
	ctx := log.WithContext(context.Background())

	// A record whose attempts were already spent belongs to a previous
	// process that died mid-execution; drop it rather than risk executing a
	// poisoned payload forever.
	if op.AttemptCount >= w.maxAttempts {
		log.Warn("operation exceeded attempt budget, dropping", logger.Data{"attempt_count": op.AttemptCount})
		w.finish(ctx, op, executors.OutcomeFailed, nil)
		return
	}

	if err := w.queue.RecordAttempt(ctx, op); err != nil {
		log.Err(err).Error("record attempt error")
		return
	}

	var outcome executors.Outcome
	switch data := op.DataParsed.(type) {
	case *models.OperationUploadData:
		outcome, err = w.uploader.Execute(ctx, data)
	case *models.OperationEditData:
		outcome, err = w.editor.Execute(ctx, data)
	case *models.OperationDeleteData:
		outcome, err = w.deleter.Execute(ctx, data)
	default:
		log.Error("unknown operation payload type")
		outcome, err = executors.OutcomeFailed, nil
	}

	w.finish(ctx, op, outcome, err)
}

// finish removes the operation and emits its notification. Removal happens on
// every terminal outcome; a chapter whose publish or delete did not stick is
// re-enqueued by the next pipeline run from its durable chapter row, never by
// replaying the operation record.
func (w *Worker) finish(ctx context.Context, op *models.Operation, outcome executors.Outcome, execErr error) {
	log := logger.FromContext(ctx)

	if err := w.queue.Remove(ctx, op); err != nil {
		log.Err(err).Error("operation remove error")
	}

	event := notify.Event{
		Kind:      eventKind(outcome),
		Timestamp: time.Now(),
		Fields: map[string]interface{}{
			"verb":    op.Verb,
			"outcome": string(outcome),
		},
	}
	if ch := chapterOf(op); ch != nil {
		event.OriginTag = ch.OriginTag
		event.Message = describeChapter(ch)
		event.Fields["manga"] = ch.MangaName
		event.Fields["language"] = ch.Language
	}
	if execErr != nil {
		event.Fields["error"] = execErr.Error()
	}
	if event.Kind != "" {
		w.sink.Publish(ctx, event)
	}
}

func eventKind(outcome executors.Outcome) string {
	switch outcome {
	case executors.OutcomeUploaded:
		return notify.KindUploaded
	case executors.OutcomeEdited:
		return notify.KindEdited
	case executors.OutcomeDeleted:
		return notify.KindDeleted
	case executors.OutcomeFailed, executors.OutcomeSessionError:
		return notify.KindFailed
	}
	// OutcomeGone is silent: the desired state already holds.
	return ""
}

func chapterOf(op *models.Operation) *models.Chapter {
	switch data := op.DataParsed.(type) {
	case *models.OperationUploadData:
		return data.Chapter
	case *models.OperationEditData:
		return data.Chapter
	case *models.OperationDeleteData:
		return data.Chapter
	}
	return nil
}

func describeChapter(ch *models.Chapter) string {
	msg := ch.MangaName
	if ch.Number != nil {
		msg += " #" + *ch.Number
	}
	if ch.Title != nil && *ch.Title != "" {
		msg += ": " + *ch.Title
	}
	return msg
}
