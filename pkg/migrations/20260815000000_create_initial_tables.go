package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE manga (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source_manga_id TEXT NOT NULL,
				name TEXT NOT NULL,
				language TEXT NOT NULL,
				origin_tag TEXT NOT NULL,
				target_manga_id TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// One row per upstream series per source.
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_manga_source ON manga(origin_tag, source_manga_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE chapters (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source_chapter_id TEXT NOT NULL,
				target_chapter_id TEXT,
				source_manga_id TEXT NOT NULL,
				target_manga_id TEXT,
				manga_name TEXT,
				number TEXT,
				title TEXT,
				volume TEXT,
				language TEXT NOT NULL,
				publish_at TIMESTAMPTZ,
				expire_at TIMESTAMPTZ,
				source_url TEXT,
				origin_tag TEXT NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Expiry scan filters on expire_at.
		_, err = db.Exec(`CREATE INDEX ix_chapters_expire_at ON chapters(expire_at)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX ix_chapters_source ON chapters(origin_tag, source_chapter_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE deleted_chapters (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ,
				deleted_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				source_chapter_id TEXT NOT NULL,
				target_chapter_id TEXT,
				source_manga_id TEXT NOT NULL,
				target_manga_id TEXT,
				number TEXT,
				title TEXT,
				volume TEXT,
				language TEXT,
				expire_at TIMESTAMPTZ,
				source_url TEXT,
				origin_tag TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE operations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				verb TEXT NOT NULL,
				target_chapter_id TEXT,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				data TEXT
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Workers drain per verb in insertion order.
		_, err = db.Exec(`CREATE INDEX ix_operations_verb ON operations(verb, id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		// Delete dedupe lookup.
		_, err = db.Exec(`CREATE INDEX ix_operations_target_chapter ON operations(verb, target_chapter_id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"operations", "deleted_chapters", "chapters", "manga"} {
			_, err := db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
