// Package fixture wires a node against an in-memory ledger for tests.
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/ledger/fake"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/mirror/memory"
	"github.com/opst/tuplefab/pkg/queue"
	"go.uber.org/zap/zaptest"
)

const (
	Channel   = "mychannel"
	Chaincode = "mycc"
)

type Node struct {
	Ledger  *fake.Ledger
	Gateway *ledger.Gateway
	Mirror  *memory.Mirror
	Queue   *queue.Queue
}

type Option func(*options)

type options struct {
	syncTimeout time.Duration
}

// WithSyncTimeout shortens how long Sync writes wait for commits.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) { o.syncTimeout = d }
}

// New returns a node connected to an empty fake ledger.
// Resources are released when t ends.
func New(t *testing.T, opts ...Option) *Node {
	t.Helper()
	o := options{syncTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zaptest.NewLogger(t)
	l := fake.New(Channel, Chaincode)
	conn, err := ledger.Connect(context.Background(), l.Dialer(), Channel, Chaincode)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(logger, queue.Config{Workers: 2, Capacity: 16})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Close(ctx)
		conn.Disconnect()
	})

	gw := ledger.New(
		conn, logger,
		ledger.WithQueue(q),
		ledger.WithSyncTimeout(o.syncTimeout),
		ledger.WithCommitPolling(5*time.Millisecond),
	)
	return &Node{Ledger: l, Gateway: gw, Mirror: memory.New(), Queue: q}
}

// Put stores assets both in the ledger and, validated, in the mirror.
func (n *Node) Put(t *testing.T, assets ...domain.Asset) {
	t.Helper()
	for _, a := range assets {
		n.Ledger.Put(a)
		if _, err := n.Mirror.Upsert(context.Background(), mirror.Record{Asset: a, Validated: true, UpdatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
}

// Record returns the mirror record of key, failing t when it is missing.
func (n *Node) Record(t *testing.T, key string) mirror.Record {
	t.Helper()
	rec, err := mirror.GetOne(context.Background(), n.Mirror, key)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}
