// Package pool narrows pgx types to interfaces the mirror needs.
package pool

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Queryer sends SQL. It is a subset of `*pgxpool.Pool` and `pgx.Tx`.
type Queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is a subset of `pgx.Tx`.
type Tx interface {
	Queryer

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Pool is a subset of `*pgxpool.Pool`.
type Pool interface {
	Queryer

	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type pgxPool struct {
	base *pgxpool.Pool
}

var _ Pool = &pgxPool{}

func Wrap(p *pgxpool.Pool) Pool {
	return &pgxPool{base: p}
}

func (p *pgxPool) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (Tx, error) {
	tx, err := p.base.BeginTx(ctx, txOptions)
	if tx == nil {
		return nil, err
	}
	return tx, err
}

func (p *pgxPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.base.Exec(ctx, sql, arguments...)
}

func (p *pgxPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.base.Query(ctx, sql, args...)
}

func (p *pgxPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.base.QueryRow(ctx, sql, args...)
}

func (p *pgxPool) Ping(ctx context.Context) error {
	return p.base.Ping(ctx)
}

func (p *pgxPool) Close() {
	p.base.Close()
}

// Serializable runs f in a serializable transaction, retrying on
// serialization failures and deadlocks up to attempts times.
func Serializable[T any](ctx context.Context, p Pool, attempts int, f func(Tx) (T, error)) (T, error) {
	var zero T
	var err error
	for range max(attempts, 1) {
		var v T
		v, err = once(ctx, p, f)
		if err == nil {
			return v, nil
		}
		if !Retryable(err) {
			return zero, err
		}
	}
	return zero, err
}

func once[T any](ctx context.Context, p Pool, f func(Tx) (T, error)) (T, error) {
	var zero T
	tx, err := p.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return zero, err
	}
	defer tx.Rollback(ctx)

	v, err := f(tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	return v, nil
}

// Retryable reports whether err is a transient conflict between transactions.
func Retryable(err error) bool {
	var pgerr *pgconn.PgError
	if !errors.As(err, &pgerr) {
		return false
	}
	return pgerr.Code == pgerrcode.SerializationFailure || pgerr.Code == pgerrcode.DeadlockDetected
}
