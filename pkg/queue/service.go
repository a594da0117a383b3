// Package queue stores operation records durably, one logical queue per
// verb, and raises an in-process wake signal whenever a record is enqueued so
// workers do not wait for the next poll.
package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mangabridge/mangabridge/pkg/errcodes"
	"github.com/mangabridge/mangabridge/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

type ListOperationsOptions struct {
	Verb  *string
	Limit *int
}

type Service struct {
	db *bun.DB

	mu    sync.Mutex
	wakes map[string]chan struct{}
}

func NewService(db *bun.DB) *Service {
	return &Service{
		db:    db,
		wakes: map[string]chan struct{}{},
	}
}

// Wake returns the channel signaled whenever an operation for the verb is
// enqueued. The channel has a buffer of one; a pending signal is enough,
// workers drain the whole backlog when woken.
func (svc *Service) Wake(verb string) <-chan struct{} {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.wake(verb)
}

func (svc *Service) wake(verb string) chan struct{} {
	ch, ok := svc.wakes[verb]
	if !ok {
		ch = make(chan struct{}, 1)
		svc.wakes[verb] = ch
	}
	return ch
}

func (svc *Service) signal(verb string) {
	svc.mu.Lock()
	ch := svc.wake(verb)
	svc.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue persists an operation record and wakes the verb's worker.
func (svc *Service) Enqueue(ctx context.Context, op *models.Operation) error {
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = op.CreatedAt

	if op.Data == "" && op.DataParsed != nil {
		data, err := json.Marshal(op.DataParsed)
		if err != nil {
			return errors.WithStack(err)
		}
		op.Data = string(data)
	}

	_, err := svc.db.
		NewInsert().
		Model(op).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	svc.signal(op.Verb)
	return nil
}

// EnqueueDelete enqueues a delete operation unless one for the same target
// chapter id is already pending. Repeated expiry scans before the delete
// completes must not produce duplicates.
func (svc *Service) EnqueueDelete(ctx context.Context, op *models.Operation) (bool, error) {
	if op.TargetChapterID == nil {
		return false, errors.New("delete operation requires a target chapter id")
	}

	count, err := svc.db.
		NewSelect().
		Model((*models.Operation)(nil)).
		Where("op.verb = ?", models.OperationVerbDelete).
		Where("op.target_chapter_id = ?", *op.TargetChapterID).
		Count(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if count > 0 {
		return false, nil
	}

	op.Verb = models.OperationVerbDelete
	return true, svc.Enqueue(ctx, op)
}

// Next returns the oldest pending operation for a verb, or a not-found error
// when the queue is empty.
func (svc *Service) Next(ctx context.Context, verb string) (*models.Operation, error) {
	op := &models.Operation{}

	err := svc.db.
		NewSelect().
		Model(op).
		Where("op.verb = ?", verb).
		Order("op.id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("operation")
		}
		return nil, errors.WithStack(err)
	}

	if err := op.UnmarshalData(); err != nil {
		return nil, err
	}
	return op, nil
}

func (svc *Service) ListOperations(ctx context.Context, opts ListOperationsOptions) ([]*models.Operation, error) {
	ops := []*models.Operation{}

	q := svc.db.
		NewSelect().
		Model(&ops).
		Order("op.id ASC")

	if opts.Verb != nil {
		q = q.Where("op.verb = ?", *opts.Verb)
	}
	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, op := range ops {
		if err := op.UnmarshalData(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// RecordAttempt bumps the operation's attempt counter.
func (svc *Service) RecordAttempt(ctx context.Context, op *models.Operation) error {
	op.AttemptCount++
	op.UpdatedAt = time.Now()

	_, err := svc.db.
		NewUpdate().
		Model(op).
		Column("attempt_count", "updated_at").
		WherePK().
		Exec(ctx)
	return errors.WithStack(err)
}

// Remove deletes the record; called on every terminal outcome, success or
// exhausted retries, so the queue can never livelock on one item.
func (svc *Service) Remove(ctx context.Context, op *models.Operation) error {
	_, err := svc.db.
		NewDelete().
		Model(op).
		WherePK().
		Exec(ctx)
	return errors.WithStack(err)
}
