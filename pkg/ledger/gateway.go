package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/queue"
	"github.com/opst/tuplefab/pkg/utils/retry"
	"go.uber.org/zap"
)

// Gateway is the typed boundary to the ledger.
type Gateway struct {
	conn    *Connection
	logger  *zap.Logger
	queue   *queue.Queue
	metrics *metrics.Collector

	syncTimeout time.Duration
	commitPoll  time.Duration
}

type Option func(*Gateway)

// WithQueue sets the queue Async writes are enqueued on.
func WithQueue(q *queue.Queue) Option {
	return func(g *Gateway) { g.queue = q }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithSyncTimeout sets how long Sync writes wait for the commit.
func WithSyncTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.syncTimeout = d }
}

// WithCommitPolling sets the interval of commit status checks.
func WithCommitPolling(d time.Duration) Option {
	return func(g *Gateway) { g.commitPoll = d }
}

func New(conn *Connection, logger *zap.Logger, options ...Option) *Gateway {
	g := &Gateway{
		conn:        conn,
		logger:      logger.Named("ledger"),
		syncTimeout: 30 * time.Second,
		commitPoll:  500 * time.Millisecond,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Query evaluates fcn and returns its payload.
//
// Absent assets are reported as domain.ErrMissing, other failures as domain.ErrLedger.
func (g *Gateway) Query(ctx context.Context, fcn string, args any) ([]byte, error) {
	cc, err := g.conn.transport()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLedger, err)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: cannot marshal args: %w", domain.ErrValidation, fcn, err)
	}

	payload, err := cc.Query(ctx, fcn, body)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, domain.ErrMissing):
		return nil, fmt.Errorf("%s: %w", fcn, err)
	default:
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrLedger, fcn, err)
	}
}

// Get reads an asset of kind.
func (g *Gateway) Get(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error) {
	fcn, err := QueryFunction(kind)
	if err != nil {
		return nil, err
	}
	payload, err := g.Query(ctx, fcn, map[string]string{"key": key})
	if err != nil {
		return nil, err
	}
	a, err := domain.DecodeAsset(kind, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrLedger, fcn, err)
	}
	return a, nil
}

// Find lists assets of kind selected by filter.
func (g *Gateway) Find(ctx context.Context, kind domain.AssetKind, filter Filter) ([]domain.Asset, error) {
	payload, err := g.Query(ctx, FnQueryFilter, filter)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrLedger, FnQueryFilter, err)
	}
	assets := make([]domain.Asset, 0, len(raws))
	for _, raw := range raws {
		a, err := domain.DecodeAsset(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrLedger, FnQueryFilter, err)
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// Invoke writes to the ledger.
//
// In Sync mode, it returns when the write is committed:
//
//   - Created(key) when the write made a new asset.
//   - AlreadyExists(key) when the asset exists already. This is not an error.
//   - *domain.TimeoutError when the commit is not observed in time. The write may or may not land.
//   - domain.ErrLedger for other failures.
//
// In Async mode, the write is enqueued and Invoke returns an unvalidated
// Outcome with Handle tracking it.
func (g *Gateway) Invoke(ctx context.Context, req Request, mode Mode) (Outcome, error) {
	switch mode {
	case Sync:
		return g.invoke(ctx, req)
	case Async:
		if g.queue == nil {
			return Outcome{}, fmt.Errorf("%w: %s: async mode needs a job queue", domain.ErrLedger, req.Fcn)
		}
		h, err := queue.Submit(g.queue, req.Fcn, func(ctx context.Context) (Outcome, error) {
			return g.invoke(ctx, req)
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: cannot enqueue: %w", req.Fcn, err)
		}
		g.metrics.LedgerRequest(req.Fcn, "enqueued", 0)
		return Outcome{pendingKey: req.Key, Handle: h}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown mode %s", domain.ErrValidation, mode)
}

func (g *Gateway) invoke(ctx context.Context, req Request) (out Outcome, err error) {
	started := time.Now()
	l := g.logger.With(zap.String("function", req.Fcn), zap.String("key", req.Key))
	defer func() {
		g.metrics.LedgerRequest(req.Fcn, outcomeLabel(out, err), time.Since(started))
		if err != nil {
			l.Warn("invoke failed", zap.Error(err))
		} else {
			l.Debug("invoke settled", zap.Stringer("result", out.Result), zap.String("tx", string(out.TxID)))
		}
	}()

	cc, err := g.conn.transport()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", domain.ErrLedger, err)
	}
	body, err := json.Marshal(req.Args)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: cannot marshal args: %w", domain.ErrValidation, req.Fcn, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.syncTimeout)
	defer cancel()

	tx, payload, err := cc.Submit(ctx, req.Fcn, body)
	if err != nil {
		var ce *ChaincodeError
		switch {
		case errors.As(err, &ce) && ce.Status == http.StatusConflict:
			key := ce.Key
			if key == "" {
				key = req.Key
			}
			return Outcome{Result: AlreadyExists(key), Validated: true}, nil
		case isTimeout(err):
			return Outcome{}, domain.NewTimeout(req.Key, "", err)
		default:
			return Outcome{}, fmt.Errorf("%w: %s: %w", domain.ErrLedger, req.Fcn, err)
		}
	}

	key := keyOf(payload, req.Key)
	status, err := retry.Blocking(ctx, retry.StaticBackoff(g.commitPoll), func() (CommitStatus, error) {
		st, err := cc.CommitStatus(ctx, tx)
		if err != nil {
			return st, err
		}
		if st == Pending {
			return st, retry.ErrRetry
		}
		return st, nil
	})
	switch {
	case err == nil:
	case isTimeout(err):
		return Outcome{}, domain.NewTimeout(key, string(tx), err)
	default:
		return Outcome{}, fmt.Errorf("%w: %s: commit status of tx %s: %w", domain.ErrLedger, req.Fcn, tx, err)
	}

	if status == Invalid {
		return Outcome{}, fmt.Errorf("%w: %s: transaction %s is invalidated", domain.ErrLedger, req.Fcn, tx)
	}
	return Outcome{Result: Created(key), Validated: true, TxID: tx, Payload: payload}, nil
}

// isTimeout reports whether the outcome of a write cut by err is unknown.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrLedgerTimeout)
}

func keyOf(payload []byte, fallback string) string {
	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Key == "" {
		return fallback
	}
	return p.Key
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case errors.Is(err, domain.ErrLedgerTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case out.Result.IsAlreadyExists():
		return "exists"
	}
	return "created"
}
