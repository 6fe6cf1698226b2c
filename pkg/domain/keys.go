package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// TraintupleKey derives the key of a traintuple from what it computes.
//
// Data samples are a set, so their order does not matter.
// In-models are ordered, since an algo may treat them differently.
func TraintupleKey(algo, objective, dataManager string, dataSamples []string, inModels []string) string {
	return contentKey(
		"traintuple",
		algo, objective, dataManager,
		strings.Join(sorted(dataSamples), ","),
		strings.Join(inModels, ","),
	)
}

// TesttupleKey derives the key of a testtuple from what it computes.
func TesttupleKey(traintuple, objective, dataManager string, dataSamples []string) string {
	return contentKey(
		"testtuple",
		traintuple, objective, dataManager,
		strings.Join(sorted(dataSamples), ","),
	)
}

func contentKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sorted(s []string) []string {
	s = slices.Clone(s)
	slices.Sort(s)
	return s
}
