package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	OperationVerbUpload = "upload"
	OperationVerbEdit   = "edit"
	OperationVerbDelete = "delete"
)

// Operation is one queued side-effecting action. Each record is consumed and
// removed by exactly one worker; it is never mutated concurrently.
type Operation struct {
	bun.BaseModel `bun:"table:operations,alias:op"`

	ID        int       `bun:",pk,autoincrement" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Verb      string    `bun:",notnull" json:"verb"`
	// TargetChapterID is denormalized out of the payload so delete
	// enqueues can be deduplicated with a single indexed lookup.
	TargetChapterID *string     `json:"target_chapter_id,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	Data            string      `bun:",nullzero" json:"-"`
	DataParsed      interface{} `bun:"-" json:"data"`
}

func (op *Operation) UnmarshalData() error {
	switch op.Verb {
	case OperationVerbUpload:
		op.DataParsed = &OperationUploadData{}
	case OperationVerbEdit:
		op.DataParsed = &OperationEditData{}
	case OperationVerbDelete:
		op.DataParsed = &OperationDeleteData{}
	}

	err := json.Unmarshal([]byte(op.Data), op.DataParsed)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

type OperationUploadData struct {
	Chapter *Chapter `json:"chapter"`
}

type OperationEditData struct {
	Chapter         *Chapter     `json:"chapter"`
	TargetChapterID string       `json:"target_chapter_id"`
	Payload         *EditPayload `json:"payload"`
}

type OperationDeleteData struct {
	Chapter *Chapter `json:"chapter"`
}

// EditPayload is the full downstream PUT body for a chapter edit. Version and
// Groups are carried from the platform record so the write is not rejected as
// stale.
type EditPayload struct {
	Volume      *string  `json:"volume"`
	Chapter     *string  `json:"chapter"`
	Title       *string  `json:"title"`
	Language    string   `json:"translatedLanguage"`
	ExternalURL string   `json:"externalUrl"`
	Version     int      `json:"version"`
	Groups      []string `json:"groups"`
}
