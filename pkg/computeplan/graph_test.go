package computeplan

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/tuplefab/pkg/domain"
)

func TestGraphOrder(t *testing.T) {
	type When struct {
		specs []TraintupleSpec
	}
	type Then struct {
		order []string
		cycle string
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			index := map[string]int{}
			for i, s := range when.specs {
				index[s.ID] = i
			}
			g := newGraph(when.specs, index)
			order, err := g.order()

			if then.cycle != "" {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("error: actual=%v, expect=%v", err, domain.ErrValidation)
				}
				if !strings.Contains(err.Error(), then.cycle) {
					t.Errorf("cycle is not reported: %v (expect to contain %s)", err, then.cycle)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			actual := make([]string, 0, len(order))
			for _, i := range order {
				actual = append(actual, when.specs[i].ID)
			}
			if diff := cmp.Diff(then.order, actual); diff != "" {
				t.Errorf("order (-expect +actual):\n%s", diff)
			}
		}
	}

	t.Run("independent entries keep their order", theory(
		When{specs: []TraintupleSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		Then{order: []string{"a", "b", "c"}},
	))
	t.Run("children come after parents", theory(
		When{specs: []TraintupleSpec{
			{ID: "c", InModels: []string{"b"}},
			{ID: "b", InModels: []string{"a"}},
			{ID: "a"},
		}},
		Then{order: []string{"a", "b", "c"}},
	))
	t.Run("diamond", theory(
		When{specs: []TraintupleSpec{
			{ID: "d", InModels: []string{"b", "c"}},
			{ID: "c", InModels: []string{"a"}},
			{ID: "b", InModels: []string{"a"}},
			{ID: "a"},
		}},
		Then{order: []string{"a", "c", "b", "d"}},
	))
	t.Run("references outside of the plan are not edges", theory(
		When{specs: []TraintupleSpec{{ID: "b", InModels: []string{"external-key"}}, {ID: "a"}}},
		Then{order: []string{"b", "a"}},
	))
	t.Run("duplicated parents count once", theory(
		When{specs: []TraintupleSpec{{ID: "b", InModels: []string{"a", "a"}}, {ID: "a"}}},
		Then{order: []string{"a", "b"}},
	))
	t.Run("cycle of two", theory(
		When{specs: []TraintupleSpec{
			{ID: "a", InModels: []string{"b"}},
			{ID: "b", InModels: []string{"a"}},
		}},
		Then{cycle: "a -> b -> a"},
	))
	t.Run("cycle of three behind a root", theory(
		When{specs: []TraintupleSpec{
			{ID: "root"},
			{ID: "x", InModels: []string{"root", "z"}},
			{ID: "y", InModels: []string{"x"}},
			{ID: "z", InModels: []string{"y"}},
		}},
		Then{cycle: "x -> y -> z -> x"},
	))
	t.Run("self reference", theory(
		When{specs: []TraintupleSpec{{ID: "a", InModels: []string{"a"}}}},
		Then{cycle: "a -> a"},
	))
}
