// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.hybscloud.com/devq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Workload
// =============================================================================

// TestWorkloadRounds runs the demo chain twice on one device.
func TestWorkloadRounds(t *testing.T) {
	if devq.RaceEnabled {
		t.Skip("skip: cross-variable memory ordering not tracked by race detector")
	}
	dev := devq.New().Logger(discardLogger()).BuildDevice()
	w, err := newWorkload(dev, discardLogger(), 64, devq.ExecutionTraceDispatch)
	if err != nil {
		t.Fatalf("newWorkload: %v", err)
	}
	for r := range 2 {
		if err := w.round(5 * time.Second); err != nil {
			t.Fatalf("round %d: %v", r, err)
		}
	}
	if got := w.timeline.Value(); got != 10 {
		t.Fatalf("timeline: got %d, want 10", got)
	}
	if got := dev.HostService().Calls(devq.HostCallPoolTrim); got != 2 {
		t.Fatalf("Calls(POOL_TRIM): got %d, want 2", got)
	}
}

// TestWorkloadRejectsEmpty verifies the element count check.
func TestWorkloadRejectsEmpty(t *testing.T) {
	dev := devq.New().BuildDevice()
	if _, err := newWorkload(dev, discardLogger(), 0, 0); err == nil {
		t.Fatalf("newWorkload(0): got nil error")
	}
}

// =============================================================================
// Debug Router
// =============================================================================

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
	}
	return rec.Code
}

// TestDebugRouter verifies the snapshot endpoints and scheduler lookup by
// xid and by handle.
func TestDebugRouter(t *testing.T) {
	dev := devq.New().BuildDevice()
	s, err := dev.NewScheduler()
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if _, err := dev.RunUntilIdle(); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	h := newRouter(dev)

	var snap devq.DeviceSnapshot
	if code := getJSON(t, h, "/debug/device", &snap); code != http.StatusOK {
		t.Fatalf("GET /debug/device: got %d, want 200", code)
	}
	if snap.Lost || len(snap.Schedulers) != 1 {
		t.Fatalf("device snapshot: got %+v", snap)
	}

	var all []devq.SchedulerSnapshot
	if code := getJSON(t, h, "/debug/schedulers", &all); code != http.StatusOK || len(all) != 1 {
		t.Fatalf("GET /debug/schedulers: got %d with %d schedulers", code, len(all))
	}

	for _, id := range []string{s.ID().String(), "1"} {
		var one devq.SchedulerSnapshot
		if code := getJSON(t, h, "/debug/schedulers/"+id, &one); code != http.StatusOK {
			t.Fatalf("GET /debug/schedulers/%s: got %d, want 200", id, code)
		}
		if one.ID != s.ID().String() || !one.Initialized {
			t.Fatalf("GET /debug/schedulers/%s: got %+v", id, one)
		}
	}
	if code := getJSON(t, h, "/debug/schedulers/7", nil); code != http.StatusNotFound {
		t.Fatalf("GET unknown scheduler: got %d, want 404", code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/debug/device", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /debug/device: got %d, want 405", rec.Code)
	}
}
