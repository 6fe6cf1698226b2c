// Package postgres is a mirror.Interface on PostgreSQL.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/opst/tuplefab/pkg/conn/postgres/pool"
	"github.com/opst/tuplefab/pkg/domain"
	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/mirror"
)

const schema = `
CREATE TABLE IF NOT EXISTS "mirror_record" (
	"key"        text PRIMARY KEY,
	"kind"       text NOT NULL,
	"status"     text,
	"parents"    text[] NOT NULL DEFAULT '{}',
	"body"       jsonb NOT NULL,
	"validated"  boolean NOT NULL,
	"updated_at" timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS "mirror_record_parents" ON "mirror_record" USING gin ("parents");
CREATE INDEX IF NOT EXISTS "mirror_record_unvalidated" ON "mirror_record" ("updated_at") WHERE NOT "validated";
`

// attempts of a serializable transaction before giving up.
const attempts = 5

type Mirror struct {
	pool pool.Pool
}

var _ mirror.Interface = &Mirror{}

// Open connects to the database at url, and creates the table if it is not there.
func Open(ctx context.Context, url string) (*Mirror, error) {
	p, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	m := New(pool.Wrap(p))
	if err := m.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return m, nil
}

func New(p pool.Pool) *Mirror {
	return &Mirror{pool: p}
}

func (m *Mirror) Migrate(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, schema); err != nil {
		return xe.WrapWithNote("creating mirror table", err)
	}
	return nil
}

func (m *Mirror) Close() error {
	m.pool.Close()
	return nil
}

func (m *Mirror) Get(ctx context.Context, keys ...string) (map[string]mirror.Record, error) {
	if len(keys) == 0 {
		return map[string]mirror.Record{}, nil
	}
	rows, err := m.pool.Query(
		ctx,
		`select "kind", "body", "validated", "updated_at" from "mirror_record" where "key" = any($1)`,
		keys,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	recs, err := scan(rows)
	if err != nil {
		return nil, err
	}

	found := make(map[string]mirror.Record, len(recs))
	for _, r := range recs {
		found[r.Key()] = r
	}
	return found, nil
}

func (m *Mirror) Upsert(ctx context.Context, rec mirror.Record) (bool, error) {
	body, err := mirror.Encode(rec)
	if err != nil {
		return false, err
	}
	var updatedAt *time.Time
	if !rec.UpdatedAt.IsZero() {
		updatedAt = &rec.UpdatedAt
	}
	var status *string
	var parents = []string{}
	if t, ok := domain.AsTuple(rec.Asset); ok {
		s := t.Header().Status.String()
		status = &s
		parents = append(parents, t.Parents()...)
	}

	return pool.Serializable(ctx, m.pool, attempts, func(tx pool.Tx) (bool, error) {
		rows, err := tx.Query(
			ctx,
			`select "kind", "body", "validated", "updated_at" from "mirror_record" where "key" = $1 for update`,
			rec.Key(),
		)
		if err != nil {
			return false, xe.Wrap(err)
		}
		existing, err := scan(rows)
		if err != nil {
			return false, err
		}
		var current *mirror.Record
		if 0 < len(existing) {
			current = &existing[0]
		}
		if !mirror.Merge(current, rec) {
			return false, nil
		}

		if _, err := tx.Exec(
			ctx,
			`
			insert into "mirror_record" ("key", "kind", "status", "parents", "body", "validated", "updated_at")
			values ($1, $2, $3, $4, $5, $6, coalesce($7::timestamptz, now()))
			on conflict ("key") do update set
				"kind" = excluded."kind",
				"status" = excluded."status",
				"parents" = excluded."parents",
				"body" = excluded."body",
				"validated" = excluded."validated",
				"updated_at" = excluded."updated_at"
			`,
			rec.Key(), rec.Asset.Kind().String(), status, parents,
			pgtype.JSONB{Bytes: body, Status: pgtype.Present}, rec.Validated, updatedAt,
		); err != nil {
			return false, xe.Wrap(err)
		}
		return true, nil
	})
}

func (m *Mirror) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := m.pool.Exec(
		ctx,
		`delete from "mirror_record" where "key" = $1 and not "validated"`,
		key,
	)
	if err != nil {
		return false, xe.Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m *Mirror) Unvalidated(ctx context.Context, olderThan time.Time, limit int) ([]mirror.Record, error) {
	var lim *int
	if 0 < limit {
		lim = &limit
	}
	rows, err := m.pool.Query(
		ctx,
		`
		select "kind", "body", "validated", "updated_at" from "mirror_record"
		where not "validated" and "updated_at" < $1
		order by "updated_at", "key"
		limit $2
		`,
		olderThan, lim,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return scan(rows)
}

func (m *Mirror) Dependents(ctx context.Context, parent string) ([]mirror.Record, error) {
	rows, err := m.pool.Query(
		ctx,
		`select "kind", "body", "validated", "updated_at" from "mirror_record" where $1 = any("parents") order by "key"`,
		parent,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	return scan(rows)
}

func scan(rows pgx.Rows) ([]mirror.Record, error) {
	defer rows.Close()

	var recs []mirror.Record
	for rows.Next() {
		var kind string
		var body pgtype.JSONB
		var validated bool
		var updatedAt time.Time
		if err := rows.Scan(&kind, &body, &validated, &updatedAt); err != nil {
			return nil, xe.Wrap(err)
		}
		k, err := domain.AsAssetKind(kind)
		if err != nil {
			return nil, err
		}
		rec, err := mirror.Decode(k, body.Bytes, validated, updatedAt)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xe.Wrap(err)
	}
	return recs, nil
}
