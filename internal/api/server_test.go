package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Forestrat-Inc/duckdb-notebooks/internal/shutdown"
)

type fakeReader struct {
	overview Overview
	daily    []DailyRow
	weekly   []WeeklyRow
	errors   []ErrorRow

	lastLimit int
}

func (f *fakeReader) Overview(ctx context.Context) (Overview, error) { return f.overview, nil }
func (f *fakeReader) ProgressDetail(ctx context.Context) ([]DailyRow, error) {
	return f.daily, nil
}
func (f *fakeReader) RecentErrors(ctx context.Context, limit int) ([]ErrorRow, error) {
	f.lastLimit = limit
	return f.errors, nil
}
func (f *fakeReader) Statistics(ctx context.Context) (Statistics, error) {
	return Statistics{Daily: f.daily, Weekly: f.weekly}, nil
}

func newTestServer(t *testing.T, reader Reader) (*Server, string) {
	t.Helper()
	flagPath := filepath.Join(t.TempDir(), "stop.flag")
	return NewServer(reader, "0", flagPath), flagPath
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeReader{})
	rr := do(t, s, "GET", "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestOverviewIncludesFlagState(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{overview: Overview{
		Exchanges: []ExchangeOverview{{
			Exchange:     "LSE",
			Counts:       StatusCounts{Completed: 3},
			TotalRecords: 999,
		}},
		TotalRecords: 999,
		IsRunning:    true,
	}}
	s, flagPath := newTestServer(t, reader)

	rr := do(t, s, "GET", "/api/overview")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	var got Overview
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ShutdownRequested {
		t.Fatal("shutdown_requested=true without a flag file")
	}
	if !got.IsRunning || got.TotalRecords != 999 {
		t.Fatalf("overview = %+v", got)
	}

	if err := shutdown.CreateFlag(flagPath); err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}
	rr = do(t, s, "GET", "/api/overview")
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.ShutdownRequested {
		t.Fatal("shutdown_requested=false with the flag present")
	}
}

func TestErrorsLimit(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{}
	s, _ := newTestServer(t, reader)

	if rr := do(t, s, "GET", "/api/errors"); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if reader.lastLimit != 50 {
		t.Fatalf("default limit=%d want 50", reader.lastLimit)
	}

	if rr := do(t, s, "GET", "/api/errors?limit=5"); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if reader.lastLimit != 5 {
		t.Fatalf("limit=%d want 5", reader.lastLimit)
	}

	for _, bad := range []string{"0", "-1", "1001", "abc"} {
		if rr := do(t, s, "GET", "/api/errors?limit="+bad); rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s status=%d want 400", bad, rr.Code)
		}
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{
		daily:  []DailyRow{{StatsDate: "2025-01-15", Exchange: "LSE", TotalFiles: 1}},
		weekly: []WeeklyRow{{WeekEnding: "2025-01-19", Exchange: "LSE", TotalFiles: 5}},
	}
	s, _ := newTestServer(t, reader)

	rr := do(t, s, "GET", "/api/statistics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var got Statistics
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Daily) != 1 || len(got.Weekly) != 1 {
		t.Fatalf("statistics = %+v", got)
	}
	if got.Weekly[0].WeekEnding != "2025-01-19" {
		t.Fatalf("weekly = %+v", got.Weekly)
	}
}

func TestControlShutdownAndResume(t *testing.T) {
	t.Parallel()

	s, flagPath := newTestServer(t, &fakeReader{})

	rr := do(t, s, "POST", "/control/shutdown")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if !shutdown.FlagExists(flagPath) {
		t.Fatal("flag not created")
	}
	var state map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !state["shutdown_requested"] {
		t.Fatalf("body = %s", rr.Body)
	}

	// Idempotent: a second request succeeds too.
	if rr := do(t, s, "POST", "/control/shutdown"); rr.Code != http.StatusOK {
		t.Fatalf("second shutdown status=%d", rr.Code)
	}

	rr = do(t, s, "POST", "/control/resume")
	if rr.Code != http.StatusOK {
		t.Fatalf("resume status=%d", rr.Code)
	}
	if shutdown.FlagExists(flagPath) {
		t.Fatal("flag not removed")
	}
	if rr := do(t, s, "POST", "/control/resume"); rr.Code != http.StatusOK {
		t.Fatalf("second resume status=%d", rr.Code)
	}
}

func TestControlEndpointsRejectGet(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeReader{})
	if rr := do(t, s, "GET", "/control/shutdown"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", rr.Code)
	}
}
