package ledger

import (
	"context"
	"fmt"
	"net/http"

	"github.com/opst/tuplefab/pkg/domain"
)

// TxID identifies a transaction submitted to the ledger.
type TxID string

type CommitStatus string

const (
	// The transaction is ordered and validated.
	Committed CommitStatus = "committed"

	// The transaction is not observed in a block yet.
	Pending CommitStatus = "pending"

	// The transaction is in a block, but rejected by validation.
	Invalid CommitStatus = "invalid"
)

type ChannelInfo struct {
	Channel string `json:"channel"`

	// Joined is true when the peer serving us joined Channel.
	Joined bool `json:"joined"`

	Chaincodes []ChaincodeInfo `json:"chaincodes"`
}

type ChaincodeInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Chaincode is the transport to a chaincode on a channel.
//
// How peers and orderers are discovered is up to the implementation.
type Chaincode interface {
	// Info describes the channel the transport is bound to.
	Info(context.Context) (ChannelInfo, error)

	// Query evaluates fcn without writing.
	Query(ctx context.Context, fcn string, args []byte) ([]byte, error)

	// Submit sends fcn to be ordered. It returns when the transaction is
	// accepted for ordering, before it is committed.
	Submit(ctx context.Context, fcn string, args []byte) (TxID, []byte, error)

	// CommitStatus tells whether tx has been committed.
	CommitStatus(ctx context.Context, tx TxID) (CommitStatus, error)

	Close() error
}

// ChaincodeError is an error response of a chaincode.
type ChaincodeError struct {
	// Status follows HTTP status codes: 400 malformed, 404 missing,
	// 409 conflict, 408/504 timeout, 500 chaincode failure.
	Status int `json:"status"`

	Message string `json:"message"`

	// Key is the key of the existing asset, for conflicts.
	Key string `json:"key,omitempty"`
}

func (e *ChaincodeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("chaincode error (%d): %s (key: %s)", e.Status, e.Message, e.Key)
	}
	return fmt.Sprintf("chaincode error (%d): %s", e.Status, e.Message)
}

func (e *ChaincodeError) Is(target error) bool {
	switch target {
	case domain.ErrConflict:
		return e.Status == http.StatusConflict
	case domain.ErrMissing:
		return e.Status == http.StatusNotFound
	case domain.ErrLedgerTimeout:
		return e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout
	}
	return false
}
