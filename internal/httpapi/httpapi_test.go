package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/termbridge/internal/config"
	"github.com/example/termbridge/internal/sesslog"
	"github.com/example/termbridge/internal/ws"
)

func startAPI(t *testing.T, token string, history *sesslog.Log) *httptest.Server {
	t.Helper()
	cfg := config.SessionConfig{
		ReplayLimit:    256 * 1024,
		OrphanGrace:    config.Duration(30 * time.Second),
		StdoutThrottle: config.Duration(200 * time.Millisecond),
	}
	router := ws.NewRouter(cfg, history, nil)
	mux := http.NewServeMux()
	Mount(mux, token, router, history)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	ts := startAPI(t, "tok", nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("expected ok, got %q", string(body))
	}
}

func TestMetricsExposed(t *testing.T) {
	ts := startAPI(t, "tok", nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "termbridge_sessions_active") {
		t.Fatalf("metrics output missing daemon instruments")
	}
}

func TestSessionsAuthRequired(t *testing.T) {
	ts := startAPI(t, "tok", nil)

	// No Authorization header -> 403
	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing auth, got %d", resp.StatusCode)
	}

	// Wrong bearer -> 403
	req, _ := http.NewRequest("GET", ts.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with wrong auth error: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong auth, got %d", resp2.StatusCode)
	}
}

func TestSessionsListsRecords(t *testing.T) {
	history, err := sesslog.Open(filepath.Join(t.TempDir(), "sessions.json"), 10)
	if err != nil {
		t.Fatalf("open session log: %v", err)
	}
	rec, err := history.Begin(7)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := history.Finish(rec.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	ts := startAPI(t, "tok", history)
	req, _ := http.NewRequest("GET", ts.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Live   []ws.LiveSession `json:"live"`
		Recent []sesslog.Record `json:"recent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Live) != 0 {
		t.Fatalf("expected no live sessions, got %d", len(out.Live))
	}
	if len(out.Recent) != 1 || out.Recent[0].ID != rec.ID {
		t.Fatalf("unexpected recent records: %+v", out.Recent)
	}
	if out.Recent[0].ExitedAt == 0 {
		t.Fatalf("expected finished record, got %+v", out.Recent[0])
	}
}
