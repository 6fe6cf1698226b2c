package metrics_test

import (
	"testing"
	"time"

	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	t.Run("it counts ledger requests by function and outcome", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := metrics.New(reg)
		c.LedgerRequest("registerAlgo", "created", time.Second)
		c.LedgerRequest("registerAlgo", "created", time.Second)
		c.LedgerRequest("registerAlgo", "conflict", time.Second)

		n, err := testutil.GatherAndCount(reg, "tuplefab_ledger_requests_total")
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("series: actual=%d, expect=2", n)
		}
	})

	t.Run("nil collector records nothing", func(t *testing.T) {
		var c *metrics.Collector
		c.LedgerRequest("f", "o", 0)
		c.TupleExecuted("traintuple", "done")
		c.SandboxRun("train", 0)
		c.SlotsInUse(1)
		c.Reconciled("validated")
	})
}
