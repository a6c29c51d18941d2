package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunAggregatesChecks(t *testing.T) {
	c := New()
	c.Register("storage", func() error { return nil })
	c.Register("chain", func() error { return nil })

	result := c.Run()
	if result.Status != StatusOK {
		t.Fatalf("status = %s, want ok", result.Status)
	}
	if result.Checks["storage"] != "ok" || result.Checks["chain"] != "ok" {
		t.Fatalf("checks = %v", result.Checks)
	}
}

func TestRunDegradesOnFailingCheck(t *testing.T) {
	c := New()
	c.Register("storage", func() error { return nil })
	c.Register("chain", func() error { return fmt.Errorf("tip unavailable") })

	result := c.Run()
	if result.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", result.Status)
	}
	if result.Checks["chain"] != "tip unavailable" {
		t.Fatalf("failing check text = %q", result.Checks["chain"])
	}
	if result.Checks["storage"] != "ok" {
		t.Fatalf("passing check text = %q", result.Checks["storage"])
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	c := New()
	c.Register("always", func() error { return nil })

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	var result Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if result.Status != StatusOK {
		t.Fatalf("body status = %s", result.Status)
	}

	c.Register("broken", func() error { return fmt.Errorf("down") })
	rec = httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d", rec.Code)
	}
}

func TestStalledCheck(t *testing.T) {
	recent := time.Now().UnixMilli()
	if err := Stalled("block production", func() int64 { return recent }, time.Hour)(); err != nil {
		t.Fatalf("recent event reported stalled: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	err := Stalled("block production", func() int64 { return old }, time.Hour)()
	if err == nil {
		t.Fatal("expected a two-hour-old event to be stalled against a one-hour allowance")
	}
	var stalled *StalledError
	if !errors.As(err, &stalled) {
		t.Fatalf("expected *StalledError, got %T", err)
	}

	if err := Stalled("block production", func() int64 { return 0 }, time.Hour)(); err != nil {
		t.Fatalf("never-happened event should be healthy: %v", err)
	}
}
