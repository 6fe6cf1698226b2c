package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/tuplefab/pkg/ledger"
)

// Chaincode is a ledger.Chaincode behaving as Impl says.
type Chaincode struct {
	Impl struct {
		Info         func(ctx context.Context) (ledger.ChannelInfo, error)
		Query        func(ctx context.Context, fcn string, args []byte) ([]byte, error)
		Submit       func(ctx context.Context, fcn string, args []byte) (ledger.TxID, []byte, error)
		CommitStatus func(ctx context.Context, tx ledger.TxID) (ledger.CommitStatus, error)
		Close        func() error
	}

	mu     sync.Mutex
	Called struct {
		Info         uint64
		Query        []string
		Submit       []string
		CommitStatus uint64
		Close        uint64
	}
}

var _ ledger.Chaincode = &Chaincode{}

// New returns a mock serving channel/chaincode, which is enough to Connect.
func New(channel, chaincode string) *Chaincode {
	m := &Chaincode{}
	m.Impl.Info = func(context.Context) (ledger.ChannelInfo, error) {
		return ledger.ChannelInfo{
			Channel:    channel,
			Joined:     true,
			Chaincodes: []ledger.ChaincodeInfo{{Name: chaincode, Version: "1.0"}},
		}, nil
	}
	m.Impl.Close = func() error { return nil }
	return m
}

// Dialer dials m.
func (m *Chaincode) Dialer() ledger.Dialer {
	return func(context.Context) (ledger.Chaincode, error) { return m, nil }
}

func (m *Chaincode) Info(ctx context.Context) (ledger.ChannelInfo, error) {
	m.mu.Lock()
	m.Called.Info += 1
	m.mu.Unlock()
	if m.Impl.Info == nil {
		return ledger.ChannelInfo{}, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Info(ctx)
}

func (m *Chaincode) Query(ctx context.Context, fcn string, args []byte) ([]byte, error) {
	m.mu.Lock()
	m.Called.Query = append(m.Called.Query, fcn)
	m.mu.Unlock()
	if m.Impl.Query == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Query(ctx, fcn, args)
}

func (m *Chaincode) Submit(ctx context.Context, fcn string, args []byte) (ledger.TxID, []byte, error) {
	m.mu.Lock()
	m.Called.Submit = append(m.Called.Submit, fcn)
	m.mu.Unlock()
	if m.Impl.Submit == nil {
		return "", nil, errors.New("[MOCK] not implemented")
	}
	return m.Impl.Submit(ctx, fcn, args)
}

func (m *Chaincode) CommitStatus(ctx context.Context, tx ledger.TxID) (ledger.CommitStatus, error) {
	m.mu.Lock()
	m.Called.CommitStatus += 1
	m.mu.Unlock()
	if m.Impl.CommitStatus == nil {
		return "", errors.New("[MOCK] not implemented")
	}
	return m.Impl.CommitStatus(ctx, tx)
}

func (m *Chaincode) Close() error {
	m.mu.Lock()
	m.Called.Close += 1
	m.mu.Unlock()
	if m.Impl.Close == nil {
		return errors.New("[MOCK] not implemented")
	}
	return m.Impl.Close()
}
