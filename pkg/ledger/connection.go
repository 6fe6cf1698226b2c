package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/opst/tuplefab/pkg/domain"
	xe "github.com/opst/tuplefab/pkg/errors"
)

var ErrDisconnected = errors.New("ledger connection is closed")

// Dialer opens a transport to the ledger.
type Dialer func(context.Context) (Chaincode, error)

// Connection is an open transport which is checked to serve the configured chaincode.
//
// Create it with Connect, pass it around, and Disconnect at last.
type Connection struct {
	channel   string
	chaincode string

	mu sync.RWMutex
	cc Chaincode
}

// Connect dials the ledger and checks that the peer joined channel and
// the chaincode is instantiated there.
func Connect(ctx context.Context, dial Dialer, channel, chaincode string) (*Connection, error) {
	cc, err := dial(ctx)
	if err != nil {
		return nil, xe.WrapWithNote("dialing ledger", err)
	}

	info, err := cc.Info(ctx)
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("%w: cannot get channel info: %w", domain.ErrLedger, err)
	}
	if info.Channel != channel || !info.Joined {
		cc.Close()
		return nil, fmt.Errorf("%w: peer has not joined channel %s", domain.ErrLedger, channel)
	}
	if !slices.ContainsFunc(info.Chaincodes, func(c ChaincodeInfo) bool { return c.Name == chaincode }) {
		cc.Close()
		return nil, fmt.Errorf(
			"%w: chaincode %s is not instantiated on channel %s", domain.ErrLedger, chaincode, channel,
		)
	}

	return &Connection{channel: channel, chaincode: chaincode, cc: cc}, nil
}

func (c *Connection) Channel() string   { return c.channel }
func (c *Connection) Chaincode() string { return c.chaincode }

// transport returns the chaincode, or ErrDisconnected.
func (c *Connection) transport() (Chaincode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cc == nil {
		return nil, ErrDisconnected
	}
	return c.cc, nil
}

// Disconnect closes the transport. It is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return nil
	}
	err := c.cc.Close()
	c.cc = nil
	return err
}
