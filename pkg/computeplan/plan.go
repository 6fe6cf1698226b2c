// Package computeplan submits batches of interdependent tuples.
//
// Tuples in a Plan refer each other by ids chosen by the caller,
// since their keys are not known before the batch is validated.
package computeplan

import (
	"fmt"
	"strings"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
)

type Plan struct {
	// ID of the compute plan. Generated when empty.
	ID string `json:"computePlanID,omitempty"`

	AlgoKey      string `json:"algoKey"`
	ObjectiveKey string `json:"objectiveKey"`

	Traintuples []TraintupleSpec `json:"traintuples"`
	Testtuples  []TesttupleSpec  `json:"testtuples,omitempty"`

	Permissions domain.Permissions `json:"permissions"`
}

type TraintupleSpec struct {
	// ID is the symbolic identifier of the traintuple in the plan.
	ID string `json:"id"`

	DataManagerKey string   `json:"dataManagerKey"`
	DataSampleKeys []string `json:"dataSampleKeys"`

	// InModels are ids of traintuples in the plan, or keys of existing traintuples.
	InModels []string `json:"inModels,omitempty"`

	Tag string `json:"tag,omitempty"`
}

type TesttupleSpec struct {
	// Traintuple is an id of a traintuple in the plan, or a key of an existing traintuple.
	Traintuple string `json:"traintupleID"`

	// DataManagerKey and DataSampleKeys select the test data.
	// When both are empty, test data of the objective is used and the testtuple is certified.
	DataManagerKey string   `json:"dataManagerKey,omitempty"`
	DataSampleKeys []string `json:"dataSampleKeys,omitempty"`

	Tag string `json:"tag,omitempty"`
}

// testtupleID names the i-th testtuple in errors and results.
func testtupleID(i int) string {
	return fmt.Sprintf("testtuple[%d]", i)
}

// Submission tells keys each entry of a Plan settled on.
type Submission struct {
	ComputePlanID string

	// Traintuples maps ids to results.
	Traintuples map[string]ledger.Result

	// Testtuples are results in the order of the plan.
	Testtuples []ledger.Result
}

// BatchError is the failure of a Plan submission.
//
// Entries in Mapped have been committed. The failed entry and entries
// depending on it have not been submitted, except when Cause is a ledger timeout:
// then the failed entry may or may not have landed.
type BatchError struct {
	// ID of the entry which failed.
	ID string

	Cause error

	// Mapped are ids already settled to keys.
	Mapped map[string]string
}

func (e *BatchError) Error() string {
	mapped := make([]string, 0, len(e.Mapped))
	for id, key := range e.Mapped {
		mapped = append(mapped, id+"="+key)
	}
	return fmt.Sprintf(
		"compute plan: %s failed (settled: [%s]): %v",
		e.ID, strings.Join(sortedStrings(mapped), ", "), e.Cause,
	)
}

func (e *BatchError) Unwrap() error {
	return e.Cause
}
