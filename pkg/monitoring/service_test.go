package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/contrastlabs/utxonode/pkg/block"
)

type fakeChain struct {
	tip    *block.Block
	height uint64
}

func (f *fakeChain) Tip() *block.Block { return f.tip }
func (f *fakeChain) Height() uint64    { return f.height }

type fakeMempool struct{ n int }

func (f *fakeMempool) Len() int { return f.n }

type fakeQueue struct{ n int }

func (f *fakeQueue) QueueDepth() int { return f.n }

func newTestService() *Service {
	chain := &fakeChain{tip: &block.Block{Index: 3, Difficulty: 7, Supply: 1000}, height: 3}
	return New(DefaultConfig(), chain, &fakeMempool{n: 5}, &fakeQueue{n: 2}, nil)
}

func TestCollectOnce(t *testing.T) {
	s := newTestService()
	s.collectOnce()

	if got := testutil.ToFloat64(s.metrics.BlockHeight); got != 3 {
		t.Fatalf("BlockHeight = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.metrics.ChainDifficulty); got != 7 {
		t.Fatalf("ChainDifficulty = %v, want 7", got)
	}
	if got := testutil.ToFloat64(s.metrics.PendingTxns); got != 5 {
		t.Fatalf("PendingTxns = %v, want 5", got)
	}
	if got := testutil.ToFloat64(s.metrics.JobQueueDepth); got != 2 {
		t.Fatalf("JobQueueDepth = %v, want 2", got)
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestService()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"height":3`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpointListsRegisteredSeries(t *testing.T) {
	s := newTestService()
	s.collectOnce()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "utxonode_block_height") {
		t.Fatalf("metrics output missing block height series: %s", body)
	}
	if !strings.Contains(body, "utxonode_mempool_pending_transactions") {
		t.Fatalf("metrics output missing mempool gauge: %s", body)
	}
}

func TestHealthHandlerDegradesOnStaleTip(t *testing.T) {
	staleTip := &block.Block{Index: 3, Timestamp: time.Now().Add(-time.Hour).UnixMilli()}
	chain := &fakeChain{tip: staleTip, height: 3}
	cfg := DefaultConfig()
	cfg.MaxBlockAge = time.Minute
	s := New(cfg, chain, &fakeMempool{}, &fakeQueue{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 for a stale tip", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "block production stalled") {
		t.Fatalf("expected the failing check's text, got %s", rec.Body.String())
	}
}

func TestCollectOnceSetsLastBlockAge(t *testing.T) {
	sealedAt := time.Now().Add(-30 * time.Second).UnixMilli()
	chain := &fakeChain{tip: &block.Block{Index: 1, Timestamp: sealedAt}, height: 1}
	s := New(DefaultConfig(), chain, &fakeMempool{}, &fakeQueue{}, nil)
	s.collectOnce()

	age := testutil.ToFloat64(s.metrics.LastBlockAge)
	if age < 29 || age > 35 {
		t.Fatalf("LastBlockAge = %v, want ~30s", age)
	}

	// A tip with no declared timestamp (nothing sealed yet) reads as 0.
	s2 := New(DefaultConfig(), &fakeChain{tip: &block.Block{}, height: 0}, &fakeMempool{}, &fakeQueue{}, nil)
	s2.collectOnce()
	if got := testutil.ToFloat64(s2.metrics.LastBlockAge); got != 0 {
		t.Fatalf("LastBlockAge with unsealed tip = %v, want 0", got)
	}
}
