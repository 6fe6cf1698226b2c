// Package fake is an in-memory ledger speaking the chaincode functions of tuplefab.
//
// It checks existence and conflicts only. Status transitions are taken as they come.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
)

type record struct {
	kind domain.AssetKind
	body map[string]any
}

type Ledger struct {
	channel   string
	chaincode string

	mu      sync.Mutex
	records map[string]record
	order   []string
	txs     map[ledger.TxID]ledger.CommitStatus
	nextTx  int

	// hold keeps transactions pending forever while true.
	hold bool

	// failures are errors returned by the next Submit of the function.
	failures map[string][]error

	// submitted records functions in the order they are submitted.
	submitted []Submission
}

// Submission is a write the ledger accepted.
type Submission struct {
	Fcn string
	Key string
}

func New(channel, chaincode string) *Ledger {
	return &Ledger{
		channel:   channel,
		chaincode: chaincode,
		records:   map[string]record{},
		txs:       map[ledger.TxID]ledger.CommitStatus{},
		failures:  map[string][]error{},
	}
}

var _ ledger.Chaincode = &Ledger{}

func (l *Ledger) Dialer() ledger.Dialer {
	return func(context.Context) (ledger.Chaincode, error) { return l, nil }
}

// Hold keeps transactions submitted from now pending while hold is true.
// Releasing it commits them.
func (l *Ledger) Hold(hold bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = hold
	if !hold {
		for tx, st := range l.txs {
			if st == ledger.Pending {
				l.txs[tx] = ledger.Committed
			}
		}
	}
}

// FailNext makes the next Submit of fcn fail with err.
func (l *Ledger) FailNext(fcn string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[fcn] = append(l.failures[fcn], err)
}

// Submissions returns accepted writes, in order.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.submitted)
}

// Put stores a as if it had been committed.
func (l *Ledger) Put(a domain.Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	body := toMap(a)
	l.store(a.Kind(), a.AssetKey(), body)
}

// Asset returns what the ledger has for key.
func (l *Ledger) Asset(key string) (domain.Asset, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key]
	if !ok {
		return nil, false
	}
	raw, _ := json.Marshal(r.body)
	a, err := domain.DecodeAsset(r.kind, raw)
	if err != nil {
		return nil, false
	}
	return a, true
}

func (l *Ledger) Info(context.Context) (ledger.ChannelInfo, error) {
	return ledger.ChannelInfo{
		Channel:    l.channel,
		Joined:     true,
		Chaincodes: []ledger.ChaincodeInfo{{Name: l.chaincode, Version: "fake"}},
	}, nil
}

func (l *Ledger) Close() error { return nil }

func (l *Ledger) Query(ctx context.Context, fcn string, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if fcn == ledger.FnQueryFilter {
		var f ledger.Filter
		if err := json.Unmarshal(args, &f); err != nil {
			return nil, badRequest(err)
		}
		return l.filter(f)
	}

	kind, ok := queried(fcn)
	if !ok {
		return nil, &ledger.ChaincodeError{Status: http.StatusBadRequest, Message: "unknown function: " + fcn}
	}
	var q struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(args, &q); err != nil {
		return nil, badRequest(err)
	}
	r, ok := l.records[q.Key]
	if !ok || r.kind != kind {
		return nil, &ledger.ChaincodeError{Status: http.StatusNotFound, Message: fmt.Sprintf("%s %s is not found", kind, q.Key)}
	}
	return json.Marshal(r.body)
}

func (l *Ledger) filter(f ledger.Filter) ([]byte, error) {
	kindName, _, _ := strings.Cut(f.Index, "~")
	kind, err := domain.AsAssetKind(kindName)
	if err != nil || len(f.Attributes) != 2 {
		return nil, &ledger.ChaincodeError{Status: http.StatusBadRequest, Message: "unknown index: " + f.Index}
	}
	found := []map[string]any{}
	for _, key := range l.order {
		r := l.records[key]
		if r.kind != kind {
			continue
		}
		if r.body["worker"] == f.Attributes[0] && r.body["status"] == f.Attributes[1] {
			found = append(found, r.body)
		}
	}
	return json.Marshal(found)
}

func (l *Ledger) Submit(ctx context.Context, fcn string, args []byte) (ledger.TxID, []byte, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if errs := l.failures[fcn]; 0 < len(errs) {
		l.failures[fcn] = errs[1:]
		return "", nil, errs[0]
	}

	var body map[string]any
	if err := json.Unmarshal(args, &body); err != nil {
		return "", nil, badRequest(err)
	}
	key, _ := body["key"].(string)

	if kind, ok := created(fcn); ok {
		if key == "" {
			return "", nil, badRequest(fmt.Errorf("key is required"))
		}
		if _, ok := l.records[key]; ok {
			return "", nil, &ledger.ChaincodeError{
				Status: http.StatusConflict, Message: fmt.Sprintf("%s exists", kind), Key: key,
			}
		}
		l.store(kind, key, body)
	} else if err := l.update(fcn, key, body); err != nil {
		return "", nil, err
	}

	l.submitted = append(l.submitted, Submission{Fcn: fcn, Key: key})
	l.nextTx += 1
	tx := ledger.TxID(fmt.Sprintf("tx-%d", l.nextTx))
	if l.hold {
		l.txs[tx] = ledger.Pending
	} else {
		l.txs[tx] = ledger.Committed
	}
	payload, _ := json.Marshal(map[string]string{"key": key})
	return tx, payload, nil
}

func (l *Ledger) update(fcn string, key string, args map[string]any) error {
	if fcn == ledger.FnUpdateDataSample {
		return l.linkDataSamples(args)
	}

	r, ok := l.records[key]
	if !ok {
		return &ledger.ChaincodeError{Status: http.StatusNotFound, Message: key + " is not found"}
	}
	switch fcn {
	case ledger.FnLogStartTrain:
		r.body["status"] = string(domain.Training)
	case ledger.FnLogStartTest:
		r.body["status"] = string(domain.Testing)
	case ledger.FnLogSuccessTrain:
		r.body["status"] = string(domain.Done)
		r.body["outModel"] = args["outModel"]
		r.body["log"] = args["log"]
	case ledger.FnLogSuccessTest:
		r.body["status"] = string(domain.Done)
		r.body["perf"] = args["perf"]
		r.body["log"] = args["log"]
	case ledger.FnLogFailTrain, ledger.FnLogFailTest:
		r.body["status"] = string(domain.Failed)
		r.body["log"] = args["log"]
	case ledger.FnUpdateTupleStatus:
		r.body["status"] = args["status"]
	default:
		return &ledger.ChaincodeError{Status: http.StatusBadRequest, Message: "unknown function: " + fcn}
	}
	return nil
}

func (l *Ledger) linkDataSamples(args map[string]any) error {
	keys, _ := args["keys"].([]any)
	managers, _ := args["dataManagerKeys"].([]any)
	for _, k := range keys {
		key, _ := k.(string)
		r, ok := l.records[key]
		if !ok || r.kind != domain.KindDataSample {
			return &ledger.ChaincodeError{Status: http.StatusNotFound, Message: fmt.Sprintf("data sample %s is not found", key)}
		}
		linked, _ := r.body["dataManagerKeys"].([]any)
		for _, m := range managers {
			if !slices.Contains(linked, m) {
				linked = append(linked, m)
			}
		}
		r.body["dataManagerKeys"] = linked
	}
	return nil
}

func (l *Ledger) CommitStatus(ctx context.Context, tx ledger.TxID) (ledger.CommitStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.txs[tx]
	if !ok {
		return "", &ledger.ChaincodeError{Status: http.StatusNotFound, Message: "unknown transaction: " + string(tx)}
	}
	return st, nil
}

func (l *Ledger) store(kind domain.AssetKind, key string, body map[string]any) {
	if _, ok := l.records[key]; !ok {
		l.order = append(l.order, key)
	}
	l.records[key] = record{kind: kind, body: body}
}

func toMap(a domain.Asset) map[string]any {
	raw, _ := json.Marshal(a)
	m := map[string]any{}
	json.Unmarshal(raw, &m)
	return m
}

func badRequest(err error) error {
	return &ledger.ChaincodeError{Status: http.StatusBadRequest, Message: err.Error()}
}

func created(fcn string) (domain.AssetKind, bool) {
	for _, k := range domain.AssetKinds() {
		if f, _ := ledger.RegisterFunction(k); f == fcn {
			return k, true
		}
	}
	return "", false
}

func queried(fcn string) (domain.AssetKind, bool) {
	for _, k := range domain.AssetKinds() {
		if f, _ := ledger.QueryFunction(k); f == fcn {
			return k, true
		}
	}
	return "", false
}
