package tuple

import (
	"context"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/utils/retry"
)

// WaitFor polls the ledger until the tuple of key gets done or failed.
//
// It returns the tuple in its terminal status, or the error of ctx.
func WaitFor(ctx context.Context, gateway *ledger.Gateway, kind domain.AssetKind, key string, interval time.Duration) (domain.Tuple, error) {
	first := true
	backoff := func(ctx context.Context) error {
		if first {
			first = false
			return nil
		}
		return retry.StaticBackoff(interval)(ctx)
	}
	return retry.Blocking(ctx, backoff, func() (domain.Tuple, error) {
		a, err := gateway.Get(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		t, ok := domain.AsTuple(a)
		if !ok {
			return nil, domain.Validation("%s is not a tuple", key)
		}
		if !t.Header().Status.Terminal() {
			return nil, retry.ErrRetry
		}
		return t, nil
	})
}
