package ws

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/termbridge/internal/config"
	"github.com/example/termbridge/internal/sesslog"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		ReplayLimit:    256 * 1024,
		OrphanGrace:    config.Duration(30 * time.Second),
		StdoutThrottle: config.Duration(25 * time.Millisecond),
	}
}

func startBridge(t *testing.T, history *sesslog.Log) string {
	t.Helper()
	mux := http.NewServeMux()
	s := NewServer("tok", nil)
	r := NewRouter(testSessionConfig(), history, nil)
	r.Attach(s)
	mux.HandleFunc("/ws", s.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return wsEndpoint(ts)
}

func dialBridge(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{"auth.bearer.tok"}}
	h := http.Header{}
	h.Set("Origin", "http://localhost")
	c, _, err := d.Dial(url, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readUntil(t *testing.T, c *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		var m map[string]any
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if mt, _ := m["type"].(string); mt == msgType {
			return m
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %q message before deadline", msgType)
		}
	}
}

func sendStdin(t *testing.T, c *websocket.Conn, sid, data string) {
	t.Helper()
	err := c.WriteJSON(map[string]any{
		"type": "stdin", "sessionId": sid, "dataBase64": base64.StdEncoding.EncodeToString([]byte(data)),
	})
	if err != nil {
		t.Fatalf("send stdin: %v", err)
	}
}

func TestRouterOpenEchoExit(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	url := startBridge(t, nil)
	c := dialBridge(t, url)

	if err := c.WriteJSON(map[string]any{"type": "open", "id": "req-1", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("send open: %v", err)
	}
	opened := readUntil(t, c, "opened")
	sid, _ := opened["sessionId"].(string)
	if sid == "" {
		t.Fatalf("opened without sessionId: %v", opened)
	}
	if resumed, _ := opened["resumed"].(bool); resumed {
		t.Fatalf("fresh open reported resumed")
	}

	sendStdin(t, c, sid, "echo bridge-check\r")

	var out strings.Builder
	var lastSeq float64
	deadline := time.Now().Add(15 * time.Second)
	for !strings.Contains(out.String(), "bridge-check") {
		_ = c.SetReadDeadline(deadline)
		var m map[string]any
		if err := c.ReadJSON(&m); err != nil {
			t.Fatalf("reading stdout (got %q so far): %v", out.String(), err)
		}
		if mt, _ := m["type"].(string); mt != "stdout" {
			continue
		}
		seq, _ := m["seq"].(float64)
		if seq <= lastSeq {
			t.Fatalf("stdout seq went from %v to %v", lastSeq, seq)
		}
		lastSeq = seq
		b, err := base64.StdEncoding.DecodeString(m["dataBase64"].(string))
		if err != nil {
			t.Fatalf("bad stdout payload: %v", err)
		}
		out.Write(b)
	}

	sendStdin(t, c, sid, "exit\r")
	exit := readUntil(t, c, "exit")
	if got, _ := exit["sessionId"].(string); got != sid {
		t.Fatalf("exit for session %q, want %q", got, sid)
	}
}

func TestRouterKillEndsSession(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	url := startBridge(t, nil)
	c := dialBridge(t, url)

	if err := c.WriteJSON(map[string]any{"type": "open", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("send open: %v", err)
	}
	opened := readUntil(t, c, "opened")
	sid, _ := opened["sessionId"].(string)

	if err := c.WriteJSON(map[string]any{"type": "kill", "sessionId": sid}); err != nil {
		t.Fatalf("send kill: %v", err)
	}
	exit := readUntil(t, c, "exit")
	if got, _ := exit["sessionId"].(string); got != sid {
		t.Fatalf("exit for session %q, want %q", got, sid)
	}
}

func TestRouterStdinWithoutSession(t *testing.T) {
	url := startBridge(t, nil)
	c := dialBridge(t, url)

	sendStdin(t, c, "no-such-session", "ls\r")
	em := readUntil(t, c, "error")
	if msg, _ := em["message"].(string); !strings.Contains(msg, "no session") {
		t.Fatalf("unexpected error message: %q", msg)
	}
}

func TestRouterResumeReplaysOutput(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	url := startBridge(t, nil)

	c1 := dialBridge(t, url)
	if err := c1.WriteJSON(map[string]any{"type": "open", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("send open: %v", err)
	}
	opened := readUntil(t, c1, "opened")
	sid, _ := opened["sessionId"].(string)

	sendStdin(t, c1, sid, "echo resume-marker\r")
	var seen strings.Builder
	deadline := time.Now().Add(15 * time.Second)
	for !strings.Contains(seen.String(), "resume-marker") {
		_ = c1.SetReadDeadline(deadline)
		var m map[string]any
		if err := c1.ReadJSON(&m); err != nil {
			t.Fatalf("reading stdout: %v", err)
		}
		if mt, _ := m["type"].(string); mt != "stdout" {
			continue
		}
		b, _ := base64.StdEncoding.DecodeString(m["dataBase64"].(string))
		seen.Write(b)
	}
	_ = c1.Close()

	// The session survives the connection: a second client resumes by id and
	// receives the replay snapshot.
	c2 := dialBridge(t, url)
	if err := c2.WriteJSON(map[string]any{"type": "open", "sessionId": sid, "cols": 100, "rows": 30}); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	reopened := readUntil(t, c2, "opened")
	if resumed, _ := reopened["resumed"].(bool); !resumed {
		t.Fatalf("expected resumed open, got %v", reopened)
	}
	if got, _ := reopened["sessionId"].(string); got != sid {
		t.Fatalf("resumed session %q, want %q", got, sid)
	}
	snap := readUntil(t, c2, "snapshot")
	b, err := base64.StdEncoding.DecodeString(snap["dataBase64"].(string))
	if err != nil {
		t.Fatalf("bad snapshot payload: %v", err)
	}
	if !strings.Contains(string(b), "resume-marker") {
		t.Fatalf("snapshot missing earlier output: %q", string(b))
	}
	if last, _ := snap["lastSeq"].(float64); last < 1 {
		t.Fatalf("expected lastSeq >= 1, got %v", last)
	}

	sendStdin(t, c2, sid, "exit\r")
	readUntil(t, c2, "exit")
}

func TestRouterHistoryOp(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	history, err := sesslog.Open(filepath.Join(t.TempDir(), "sessions.json"), 10)
	if err != nil {
		t.Fatalf("open session log: %v", err)
	}
	url := startBridge(t, history)
	c := dialBridge(t, url)

	if err := c.WriteJSON(map[string]any{"type": "open", "cols": 80, "rows": 24}); err != nil {
		t.Fatalf("send open: %v", err)
	}
	opened := readUntil(t, c, "opened")
	sid, _ := opened["sessionId"].(string)

	if err := c.WriteJSON(map[string]any{"type": "history"}); err != nil {
		t.Fatalf("send history: %v", err)
	}
	hm := readUntil(t, c, "history")
	sessions, _ := hm["sessions"].([]any)
	if len(sessions) == 0 {
		t.Fatalf("history is empty after open")
	}

	sendStdin(t, c, sid, "exit\r")
	readUntil(t, c, "exit")
}

func TestGeometryFrom(t *testing.T) {
	// JSON numbers arrive as float64.
	g, ok := geometryFrom(map[string]any{"cols": float64(120), "rows": float64(40), "cellWidth": float64(8), "cellHeight": float64(16)})
	if !ok {
		t.Fatalf("expected geometry")
	}
	if g.Cols != 120 || g.Rows != 40 || g.CellWidthPx != 8 || g.CellHeightPx != 16 {
		t.Fatalf("unexpected geometry: %+v", g)
	}
	if _, ok := geometryFrom(map[string]any{"cols": float64(80)}); ok {
		t.Fatalf("expected failure without rows")
	}
	if _, ok := geometryFrom(map[string]any{"cols": float64(0), "rows": float64(24)}); ok {
		t.Fatalf("expected failure for zero cols")
	}
}

func TestSanitizeSnapshot(t *testing.T) {
	// Truncated OSC 11 at the start is stripped through its BEL terminator.
	in := []byte("]11;rgb:0000/0000/0000\x07prompt$ ")
	if got := string(sanitizeSnapshot(in)); got != "prompt$ " {
		t.Fatalf("BEL-terminated: got %q", got)
	}
	// ST terminator.
	in = []byte("]10;rgb:ffff/ffff/ffff\x1b\\prompt$ ")
	if got := string(sanitizeSnapshot(in)); got != "prompt$ " {
		t.Fatalf("ST-terminated: got %q", got)
	}
	// A well-formed OSC keeps its leading ESC and is left alone.
	in = []byte("\x1b]11;rgb:0000/0000/0000\x07prompt$ ")
	if got := string(sanitizeSnapshot(in)); got != string(in) {
		t.Fatalf("well-formed OSC was modified: %q", got)
	}
	// Plain text untouched.
	if got := string(sanitizeSnapshot([]byte("hello"))); got != "hello" {
		t.Fatalf("plain text was modified: %q", got)
	}
}
