package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

type AssetKind string

const (
	KindDataManager AssetKind = "dataManager"
	KindDataSample  AssetKind = "dataSample"
	KindObjective   AssetKind = "objective"
	KindAlgo        AssetKind = "algo"
	KindTraintuple  AssetKind = "traintuple"
	KindTesttuple   AssetKind = "testtuple"
)

var ErrUnknownKind = errors.New("unknown asset kind")

func (k AssetKind) String() string {
	return string(k)
}

// IsTuple reports whether assets of the kind have a status.
func (k AssetKind) IsTuple() bool {
	return k == KindTraintuple || k == KindTesttuple
}

func AsAssetKind(s string) (AssetKind, error) {
	switch k := AssetKind(s); k {
	case KindDataManager, KindDataSample, KindObjective, KindAlgo, KindTraintuple, KindTesttuple:
		return k, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKind, s)
}

// AssetKinds lists every kind, in registration order.
func AssetKinds() []AssetKind {
	return []AssetKind{
		KindDataManager, KindDataSample, KindObjective, KindAlgo,
		KindTraintuple, KindTesttuple,
	}
}

type Asset interface {
	AssetKey() string
	Kind() AssetKind
}

// Tuple is an Asset with a lifecycle.
type Tuple interface {
	Asset

	// Header returns the status part of the tuple. Changes made through it are
	// changes of the tuple.
	Header() *TupleHeader

	// Parents returns keys of tuples which should be done before this tuple runs.
	Parents() []string
}

type Node struct {
	ID string `json:"id"`
}

type Permissions struct {
	Public        bool     `json:"public"`
	AuthorizedIDs []string `json:"authorizedIDs,omitempty"`
}

// Visible reports whether node can see an asset owned by owner.
func (p Permissions) Visible(node string, owner string) bool {
	return p.Public || node == owner || slices.Contains(p.AuthorizedIDs, node)
}

type DataManager struct {
	Key          string      `json:"key"`
	Name         string      `json:"name"`
	Owner        string      `json:"owner"`
	Type         string      `json:"type"`
	ObjectiveKey string      `json:"objectiveKey,omitempty"`
	Description  string      `json:"description,omitempty"`
	Permissions  Permissions `json:"permissions"`
}

func (d *DataManager) AssetKey() string { return d.Key }
func (*DataManager) Kind() AssetKind    { return KindDataManager }

type DataSample struct {
	Key             string   `json:"key"`
	Owner           string   `json:"owner"`
	DataManagerKeys []string `json:"dataManagerKeys"`
	TestOnly        bool     `json:"testOnly"`
}

func (d *DataSample) AssetKey() string { return d.Key }
func (*DataSample) Kind() AssetKind    { return KindDataSample }

type Objective struct {
	Key                string      `json:"key"`
	Name               string      `json:"name"`
	Owner              string      `json:"owner"`
	Description        string      `json:"description,omitempty"`
	TestDataManagerKey string      `json:"testDataManagerKey,omitempty"`
	TestDataSampleKeys []string    `json:"testDataSampleKeys,omitempty"`
	Permissions        Permissions `json:"permissions"`
}

func (o *Objective) AssetKey() string { return o.Key }
func (*Objective) Kind() AssetKind    { return KindObjective }

type Algo struct {
	Key         string      `json:"key"`
	Name        string      `json:"name"`
	Owner       string      `json:"owner"`
	Description string      `json:"description,omitempty"`
	Permissions Permissions `json:"permissions"`
}

func (a *Algo) AssetKey() string { return a.Key }
func (*Algo) Kind() AssetKind    { return KindAlgo }

// OutModel is the model a traintuple produced.
type OutModel struct {
	Hash           string `json:"hash"`
	StorageAddress string `json:"storageAddress"`
}

type TupleHeader struct {
	Status        TupleStatus `json:"status"`
	Worker        string      `json:"worker"`
	Creator       string      `json:"creator"`
	Tag           string      `json:"tag,omitempty"`
	ComputePlanID string      `json:"computePlanID,omitempty"`
	Log           string      `json:"log,omitempty"`
	Permissions   Permissions `json:"permissions"`
}

func (h *TupleHeader) Header() *TupleHeader { return h }

type Traintuple struct {
	Key            string   `json:"key"`
	AlgoKey        string   `json:"algoKey"`
	ObjectiveKey   string   `json:"objectiveKey"`
	DataManagerKey string   `json:"dataManagerKey"`
	DataSampleKeys []string `json:"dataSampleKeys"`
	InModels       []string `json:"inModels,omitempty"`
	Rank           int      `json:"rank,omitempty"`

	OutModel *OutModel `json:"outModel,omitempty"`

	TupleHeader
}

func (t *Traintuple) AssetKey() string  { return t.Key }
func (*Traintuple) Kind() AssetKind     { return KindTraintuple }
func (t *Traintuple) Parents() []string { return t.InModels }

type Testtuple struct {
	Key            string   `json:"key"`
	TraintupleKey  string   `json:"traintupleKey"`
	ObjectiveKey   string   `json:"objectiveKey"`
	DataManagerKey string   `json:"dataManagerKey,omitempty"`
	DataSampleKeys []string `json:"dataSampleKeys,omitempty"`

	// Certified is true when the testtuple runs on the objective's own test data.
	Certified bool     `json:"certified"`
	Perf      *float64 `json:"perf,omitempty"`

	TupleHeader
}

func (t *Testtuple) AssetKey() string  { return t.Key }
func (*Testtuple) Kind() AssetKind     { return KindTesttuple }
func (t *Testtuple) Parents() []string { return []string{t.TraintupleKey} }

// NewAsset returns an empty asset of kind.
func NewAsset(kind AssetKind) (Asset, error) {
	switch kind {
	case KindDataManager:
		return &DataManager{}, nil
	case KindDataSample:
		return &DataSample{}, nil
	case KindObjective:
		return &Objective{}, nil
	case KindAlgo:
		return &Algo{}, nil
	case KindTraintuple:
		return &Traintuple{}, nil
	case KindTesttuple:
		return &Testtuple{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// DecodeAsset unmarshals a ledger payload of kind.
func DecodeAsset(kind AssetKind, payload []byte) (Asset, error) {
	a, err := NewAsset(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, a); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", kind, err)
	}
	if a.AssetKey() == "" {
		return nil, fmt.Errorf("malformed %s: key is empty", kind)
	}
	return a, nil
}

// AsTuple returns a as a Tuple, if it is.
func AsTuple(a Asset) (Tuple, bool) {
	t, ok := a.(Tuple)
	return t, ok
}

// OwnerOf returns the node owning a, and permissions on it.
func OwnerOf(a Asset) (string, Permissions) {
	switch a := a.(type) {
	case *DataManager:
		return a.Owner, a.Permissions
	case *DataSample:
		return a.Owner, Permissions{}
	case *Objective:
		return a.Owner, a.Permissions
	case *Algo:
		return a.Owner, a.Permissions
	case *Traintuple:
		return a.Creator, a.Permissions
	case *Testtuple:
		return a.Creator, a.Permissions
	}
	return "", Permissions{}
}
