package healthcheck

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Smalls1652/localllm-chat/internal/resource"
)

func TestLivenessHandler_Live(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(150*time.Millisecond, true)
	tracker.RecordPass("localllm", resource.StateSettled, nil)
	tracker.RecordPass("search", resource.StateDegraded, errors.New("port is already allocated"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := LivenessHandler(tracker, 5*time.Second)
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.LastCheckTime == nil {
		t.Fatalf("expected last check time to be set")
	}
	if payload.CheckDurationMS != 150 {
		t.Fatalf("expected duration 150ms, got %d", payload.CheckDurationMS)
	}
	if payload.PassesCompleted != 2 {
		t.Fatalf("expected 2 passes, got %d", payload.PassesCompleted)
	}
	if len(payload.Groups) != 2 || payload.Groups[0].Group != "localllm" || payload.Groups[1].Error == "" {
		t.Fatalf("unexpected groups: %+v", payload.Groups)
	}
}

func TestLivenessHandler_StaleCheck(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(10*time.Millisecond, true)
	tracker.lastCheck = time.Now().Add(-10 * time.Second)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler := LivenessHandler(tracker, 3*time.Second)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	tracker := NewTracker()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	handler := ReadinessHandler(tracker)
	handler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	tracker.RecordCheck(5*time.Millisecond, false)
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while daemon is unreachable, got %d", rec.Code)
	}

	tracker.RecordCheck(5*time.Millisecond, true)
	rec = httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", rec.Code)
	}
}

func TestReadinessHandler_Group(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(5*time.Millisecond, true)
	tracker.RecordPass("localllm", resource.StateApplying, nil)
	handler := ReadinessHandler(tracker)

	cases := []struct {
		name   string
		target string
		setup  func()
		want   int
	}{
		{name: "daemon only", target: "/readyz", want: http.StatusOK},
		{name: "group applying", target: "/readyz?group=localllm", want: http.StatusServiceUnavailable},
		{name: "unknown group", target: "/readyz?group=search", want: http.StatusServiceUnavailable},
		{
			name:   "group settled",
			target: "/readyz?group=localllm",
			setup:  func() { tracker.RecordPass("localllm", resource.StateSettled, nil) },
			want:   http.StatusOK,
		},
		{
			name:   "settled but daemon gone",
			target: "/readyz?group=localllm",
			setup:  func() { tracker.RecordCheck(time.Millisecond, false) },
			want:   http.StatusServiceUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestTracker_Forget(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordPass("g1", resource.StateIdle, nil)
	tracker.Forget("g1")
	if groups := tracker.Snapshot().Groups; len(groups) != 0 {
		t.Fatalf("expected forgotten group to be dropped, got %+v", groups)
	}

	var nilTracker *Tracker
	nilTracker.RecordCheck(time.Second, true)
	nilTracker.RecordPass("g1", resource.StateIdle, nil)
	if nilTracker.Ready() || nilTracker.Healthy(time.Now(), time.Second) {
		t.Fatal("nil tracker must never report healthy")
	}
}
