package ledger

import (
	"fmt"

	"github.com/opst/tuplefab/pkg/domain"
)

// Chaincode functions.
const (
	FnRegisterDataManager = "registerDataManager"
	FnRegisterDataSample  = "registerDataSample"
	FnUpdateDataSample    = "updateDataSample"
	FnRegisterObjective   = "registerObjective"
	FnRegisterAlgo        = "registerAlgo"
	FnCreateTraintuple    = "createTraintuple"
	FnCreateTesttuple     = "createTesttuple"

	FnQueryDataManager = "queryDataManager"
	FnQueryDataSample  = "queryDataSample"
	FnQueryObjective   = "queryObjective"
	FnQueryAlgo        = "queryAlgo"
	FnQueryTraintuple  = "queryTraintuple"
	FnQueryTesttuple   = "queryTesttuple"

	// FnQueryFilter lists keys of assets matching an index.
	FnQueryFilter = "queryFilter"

	FnLogStartTrain   = "logStartTrain"
	FnLogSuccessTrain = "logSuccessTrain"
	FnLogFailTrain    = "logFailTrain"
	FnLogStartTest    = "logStartTest"
	FnLogSuccessTest  = "logSuccessTest"
	FnLogFailTest     = "logFailTest"

	// FnUpdateTupleStatus moves a tuple between waiting, todo and failed.
	FnUpdateTupleStatus = "updateTupleStatus"
)

// RegisterFunction is the function creating an asset of kind.
func RegisterFunction(kind domain.AssetKind) (string, error) {
	switch kind {
	case domain.KindDataManager:
		return FnRegisterDataManager, nil
	case domain.KindDataSample:
		return FnRegisterDataSample, nil
	case domain.KindObjective:
		return FnRegisterObjective, nil
	case domain.KindAlgo:
		return FnRegisterAlgo, nil
	case domain.KindTraintuple:
		return FnCreateTraintuple, nil
	case domain.KindTesttuple:
		return FnCreateTesttuple, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
}

// QueryFunction is the function reading an asset of kind.
func QueryFunction(kind domain.AssetKind) (string, error) {
	switch kind {
	case domain.KindDataManager:
		return FnQueryDataManager, nil
	case domain.KindDataSample:
		return FnQueryDataSample, nil
	case domain.KindObjective:
		return FnQueryObjective, nil
	case domain.KindAlgo:
		return FnQueryAlgo, nil
	case domain.KindTraintuple:
		return FnQueryTraintuple, nil
	case domain.KindTesttuple:
		return FnQueryTesttuple, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
}

// ReportFunction is the function moving a tuple of kind to status,
// when it is done by the worker of the tuple.
func ReportFunction(kind domain.AssetKind, to domain.TupleStatus) (string, error) {
	switch kind {
	case domain.KindTraintuple:
		switch to {
		case domain.Training:
			return FnLogStartTrain, nil
		case domain.Done:
			return FnLogSuccessTrain, nil
		case domain.Failed:
			return FnLogFailTrain, nil
		}
	case domain.KindTesttuple:
		switch to {
		case domain.Testing:
			return FnLogStartTest, nil
		case domain.Done:
			return FnLogSuccessTest, nil
		case domain.Failed:
			return FnLogFailTest, nil
		}
	default:
		return "", fmt.Errorf("%w: %s is not a tuple", domain.ErrUnknownKind, kind)
	}
	return "", fmt.Errorf("%w: no report moves %s to %s", domain.ErrValidation, kind, to)
}

// Filter is the argument of FnQueryFilter.
type Filter struct {
	// Index is like "traintuple~worker~status".
	Index string `json:"indexName"`

	// Attributes are values of the index, in order.
	Attributes []string `json:"attributes"`
}

// WorkerStatusFilter selects tuples of kind assigned to worker in status.
func WorkerStatusFilter(kind domain.AssetKind, worker string, status domain.TupleStatus) Filter {
	return Filter{
		Index:      fmt.Sprintf("%s~worker~status", kind),
		Attributes: []string{worker, status.String()},
	}
}
