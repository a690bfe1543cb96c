package ws

import (
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/example/termbridge/internal/config"
	"github.com/example/termbridge/internal/logging"
	"github.com/example/termbridge/internal/metrics"
	"github.com/example/termbridge/internal/pty"
	"github.com/example/termbridge/internal/sesslog"
)

// sessionState carries everything the bridge tracks for one pty session.
// fd and logID are set before the state is published and never change; the
// rest is guarded by mu.
type sessionState struct {
	fd    int
	logID string

	mu          sync.Mutex
	currentConn *websocket.Conn
	replay      []byte
	lastSeq     uint64
	orphanTimer *time.Timer

	// stdout throttling
	outBuf        []byte
	throttleTimer *time.Timer
	lastSend      time.Time
	needImmediate bool
}

// Router owns every live pty session and speaks the bridge protocol over
// websocket connections handed to it by a Server.
type Router struct {
	mu           sync.Mutex
	sessions     map[string]*sessionState // session id -> state
	byFd         map[int]string           // master fd -> session id
	connSessions map[*websocket.Conn]map[string]struct{}

	cfg     config.SessionConfig
	history *sesslog.Log
	log     *logging.Logger
}

func NewRouter(cfg config.SessionConfig, history *sesslog.Log, log *logging.Logger) *Router {
	if log == nil {
		log = logging.Default()
	}
	return &Router{
		sessions:     make(map[string]*sessionState),
		byFd:         make(map[int]string),
		connSessions: make(map[*websocket.Conn]map[string]struct{}),
		cfg:          cfg,
		history:      history,
		log:          log,
	}
}

// Attach wires the router's handlers into srv.
func (r *Router) Attach(srv *Server) {
	srv.OnMessage = func(conn *websocket.Conn, m map[string]any) {
		if err := r.handle(conn, m); err != nil {
			r.log.Warn("ws handler failed", zap.Error(err))
		}
	}
	srv.OnClose = r.cleanupConn
}

// LiveSession describes one running session for the status API.
type LiveSession struct {
	ID       string `json:"id"`
	Fd       int    `json:"fd"`
	Attached bool   `json:"attached"`
}

// LiveSessions returns every running session, attached or orphaned.
func (r *Router) LiveSessions() []LiveSession {
	r.mu.Lock()
	states := make(map[string]*sessionState, len(r.sessions))
	for id, st := range r.sessions {
		states[id] = st
	}
	r.mu.Unlock()

	out := make([]LiveSession, 0, len(states))
	for id, st := range states {
		st.mu.Lock()
		attached := st.currentConn != nil
		st.mu.Unlock()
		out = append(out, LiveSession{ID: id, Fd: st.fd, Attached: attached})
	}
	return out
}

// Shutdown asks every live shell to exit. Sessions tear themselves down on
// the death path once the shells oblige.
func (r *Router) Shutdown() {
	for _, s := range r.LiveSessions() {
		pty.Attach(s.Fd).Kill()
	}
}

func (r *Router) state(sid string) *sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sid]
}

func (r *Router) handle(conn *websocket.Conn, m map[string]any) error {
	t, _ := m["type"].(string)
	switch t {
	case "hello":
		Hello(conn)
	case "open":
		return r.openSession(conn, m)
	case "stdin":
		sid, _ := m["sessionId"].(string)
		dataB64, _ := m["dataBase64"].(string)
		b, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			Errorf(conn, "bad base64")
			return nil
		}
		st := r.state(sid)
		if st == nil {
			Errorf(conn, "no session")
			return nil
		}
		if err := pty.Attach(st.fd).Write(string(b)); err != nil {
			r.log.Warn("stdin write failed", zap.String("session", sid), zap.Error(err))
			Errorf(conn, "write failed: %v", err)
			return nil
		}
		metrics.BytesWritten.Add(float64(len(b)))
		// The echo for this input should not sit out a throttle window. If
		// output is already buffered, push it now; otherwise mark the next
		// chunk for immediate delivery.
		st.mu.Lock()
		if len(st.outBuf) > 0 && st.currentConn != nil {
			st.needImmediate = false
			if st.throttleTimer != nil {
				st.throttleTimer.Stop()
				st.throttleTimer = nil
			}
			st.mu.Unlock()
			r.flushOutput(sid)
		} else {
			st.needImmediate = true
			st.mu.Unlock()
		}
	case "resize":
		sid, _ := m["sessionId"].(string)
		st := r.state(sid)
		if st == nil {
			Errorf(conn, "no session")
			return nil
		}
		g, ok := geometryFrom(m)
		if !ok {
			Errorf(conn, "bad geometry")
			return nil
		}
		if err := pty.Attach(st.fd).Resize(g); err != nil {
			r.log.Warn("resize failed", zap.String("session", sid), zap.Error(err))
		}
	case "kill":
		sid, _ := m["sessionId"].(string)
		st := r.state(sid)
		if st == nil {
			Errorf(conn, "no session")
			return nil
		}
		// Fire and forget; the exit message and teardown arrive through the
		// death path once the shell hangs up.
		pty.Attach(st.fd).Kill()
	case "detach":
		sid, _ := m["sessionId"].(string)
		st := r.state(sid)
		if st == nil {
			Errorf(conn, "no session")
			return nil
		}
		r.mu.Lock()
		if set := r.connSessions[conn]; set != nil {
			delete(set, sid)
		}
		r.mu.Unlock()
		r.orphan(st, sid, conn)
		return SendJSON(conn, map[string]any{"type": "detached", "sessionId": sid})
	case "snapshot":
		// Replay of recent output for client-side resynchronization.
		sid, _ := m["sessionId"].(string)
		st := r.state(sid)
		if st == nil {
			return SendJSON(conn, map[string]any{"type": "snapshot", "sessionId": sid, "dataBase64": "", "lastSeq": 0})
		}
		st.mu.Lock()
		data := append([]byte(nil), st.replay...)
		last := st.lastSeq
		st.mu.Unlock()
		return SendJSON(conn, map[string]any{
			"type": "snapshot", "sessionId": sid, "dataBase64": B64(sanitizeSnapshot(data)), "lastSeq": last,
		})
	case "paste":
		sid, _ := m["sessionId"].(string)
		st := r.state(sid)
		if st == nil {
			Errorf(conn, "no session")
			return nil
		}
		text, err := getClipboard()
		if err != nil {
			Errorf(conn, "clipboard read failed: %v", err)
			return nil
		}
		if text == "" {
			return nil
		}
		if wrap, _ := m["bracketed"].(bool); wrap {
			text = "\x1b[200~" + text + "\x1b[201~"
		}
		if err := pty.Attach(st.fd).Write(text); err != nil {
			r.log.Warn("paste write failed", zap.String("session", sid), zap.Error(err))
			Errorf(conn, "write failed: %v", err)
			return nil
		}
		metrics.BytesWritten.Add(float64(len(text)))
	case "copy":
		dataB64, _ := m["dataBase64"].(string)
		b, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			Errorf(conn, "bad base64")
			return nil
		}
		if err := setClipboard(string(b)); err != nil {
			Errorf(conn, "clipboard write failed: %v", err)
			return nil
		}
		return SendJSON(conn, map[string]any{"type": "copied"})
	case "history":
		recs := []sesslog.Record{}
		if r.history != nil {
			recs = r.history.Recent(asInt(m["limit"]))
		}
		return SendJSON(conn, map[string]any{"type": "history", "sessions": recs})
	default:
		Errorf(conn, "unknown message type %q", t)
	}
	return nil
}

// openSession spawns a shell for conn, or reattaches conn to a live session
// when the message names one. A sessionId that no longer exists falls
// through to a fresh spawn; the client learns the new id from the opened
// message.
func (r *Router) openSession(conn *websocket.Conn, m map[string]any) error {
	if sid, _ := m["sessionId"].(string); sid != "" {
		if st := r.state(sid); st != nil {
			return r.resumeSession(conn, m, sid, st)
		}
	}

	// The notification loop starts inside Spawn, before the session is in
	// the router maps. Gate the callbacks on ready so the first chunk of
	// output cannot slip past an unregistered fd.
	ready := make(chan struct{})
	p, err := pty.Spawn(
		func(fd int, data string, err error) { <-ready; r.onRead(fd, data, err) },
		func(fd int) { <-ready; r.onDeath(fd) },
	)
	if err != nil {
		r.log.Error("spawn failed", zap.Error(err))
		Errorf(conn, "spawn failed: %v", err)
		return nil
	}
	metrics.SpawnsTotal.Inc()
	metrics.SessionsActive.Inc()

	if g, ok := geometryFrom(m); ok {
		if err := p.Resize(g); err != nil {
			r.log.Warn("initial resize failed", zap.Int("fd", p.Fd()), zap.Error(err))
		}
	}

	sid := uuid.New().String()
	st := &sessionState{fd: p.Fd(), currentConn: conn, needImmediate: true}
	if r.history != nil {
		if rec, err := r.history.Begin(p.Fd()); err != nil {
			r.log.Warn("session log write failed", zap.Error(err))
		} else {
			st.logID = rec.ID
		}
	}

	r.mu.Lock()
	r.sessions[sid] = st
	r.byFd[p.Fd()] = sid
	set := r.connSessions[conn]
	if set == nil {
		set = make(map[string]struct{})
		r.connSessions[conn] = set
	}
	set[sid] = struct{}{}
	r.mu.Unlock()
	close(ready)

	r.log.Info("session opened", zap.String("session", sid), zap.Int("fd", p.Fd()))
	return SendJSON(conn, map[string]any{
		"type": "opened", "id": m["id"], "sessionId": sid, "fd": p.Fd(), "resumed": false,
	})
}

// resumeSession hands a live session over to conn and replays buffered
// output so the client can resynchronize its screen.
func (r *Router) resumeSession(conn *websocket.Conn, m map[string]any, sid string, st *sessionState) error {
	r.mu.Lock()
	set := r.connSessions[conn]
	if set == nil {
		set = make(map[string]struct{})
		r.connSessions[conn] = set
	}
	set[sid] = struct{}{}
	r.mu.Unlock()

	st.mu.Lock()
	st.currentConn = conn
	if st.orphanTimer != nil {
		st.orphanTimer.Stop()
		st.orphanTimer = nil
	}
	if st.throttleTimer != nil {
		st.throttleTimer.Stop()
		st.throttleTimer = nil
	}
	st.outBuf = nil
	st.lastSend = time.Time{}
	st.needImmediate = true
	snapshot := append([]byte(nil), st.replay...)
	last := st.lastSeq
	st.mu.Unlock()

	if g, ok := geometryFrom(m); ok {
		if err := pty.Attach(st.fd).Resize(g); err != nil {
			r.log.Warn("resize failed", zap.String("session", sid), zap.Error(err))
		}
	}

	r.log.Info("session resumed", zap.String("session", sid), zap.Int("fd", st.fd))
	if err := SendJSON(conn, map[string]any{
		"type": "opened", "id": m["id"], "sessionId": sid, "fd": st.fd, "resumed": true,
	}); err != nil {
		return err
	}
	return SendJSON(conn, map[string]any{
		"type": "snapshot", "sessionId": sid, "dataBase64": B64(sanitizeSnapshot(snapshot)), "lastSeq": last,
	})
}

// onRead runs on a session's notification loop goroutine. It feeds the
// replay buffer and the throttled pipe to the client.
func (r *Router) onRead(fd int, data string, err error) {
	r.mu.Lock()
	sid, ok := r.byFd[fd]
	st := r.sessions[sid]
	r.mu.Unlock()
	if !ok || st == nil {
		return
	}
	if err != nil {
		metrics.ReadErrors.Inc()
		if !expectedReadErr(err) {
			r.log.Warn("pty read failed", zap.Int("fd", fd), zap.Error(err))
		}
		return
	}
	if data == "" {
		return
	}
	metrics.BytesRead.Add(float64(len(data)))

	st.mu.Lock()
	st.replay = append(st.replay, data...)
	if limit := r.cfg.ReplayLimit; limit > 0 && len(st.replay) > limit {
		st.replay = st.replay[len(st.replay)-limit:]
	}
	st.outBuf = append(st.outBuf, data...)
	if st.currentConn == nil {
		// No client attached; keep buffering for a later resume.
		st.mu.Unlock()
		return
	}
	now := time.Now()
	interval := r.cfg.StdoutThrottle.Duration()
	if st.needImmediate || now.Sub(st.lastSend) >= interval {
		st.mu.Unlock()
		r.flushOutput(sid)
		return
	}
	if st.throttleTimer == nil {
		rem := interval - now.Sub(st.lastSend)
		if rem < 0 {
			rem = 0
		}
		st.throttleTimer = time.AfterFunc(rem, func() { r.flushOutput(sid) })
	}
	st.mu.Unlock()
}

// onDeath runs once per session, strictly after its final onRead. The loop
// closes the descriptor right after this returns, so nothing here may touch
// the pty.
func (r *Router) onDeath(fd int) {
	r.mu.Lock()
	sid, ok := r.byFd[fd]
	st := r.sessions[sid]
	delete(r.byFd, fd)
	delete(r.sessions, sid)
	r.mu.Unlock()
	if !ok || st == nil {
		return
	}
	metrics.DeathsTotal.Inc()
	metrics.SessionsActive.Dec()

	st.mu.Lock()
	if st.orphanTimer != nil {
		st.orphanTimer.Stop()
		st.orphanTimer = nil
	}
	if st.throttleTimer != nil {
		st.throttleTimer.Stop()
		st.throttleTimer = nil
	}
	c := st.currentConn
	st.currentConn = nil
	pending := st.outBuf
	st.outBuf = nil
	var seq uint64
	if len(pending) > 0 {
		st.lastSeq++
		seq = st.lastSeq
	}
	st.mu.Unlock()

	if c != nil {
		if len(pending) > 0 {
			_ = Stdout(c, sid, pending, seq)
		}
		_ = SendJSON(c, map[string]any{"type": "exit", "sessionId": sid})
	}
	if st.logID != "" && r.history != nil {
		if err := r.history.Finish(st.logID); err != nil {
			r.log.Warn("session log update failed", zap.Error(err))
		}
	}
	r.log.Info("session exited", zap.String("session", sid), zap.Int("fd", fd))
}

// flushOutput sends buffered output to the session's client, advancing the
// sequence number only when bytes actually go out.
func (r *Router) flushOutput(sid string) {
	st := r.state(sid)
	if st == nil {
		return
	}
	st.mu.Lock()
	c := st.currentConn
	if c == nil || len(st.outBuf) == 0 {
		st.throttleTimer = nil
		st.mu.Unlock()
		return
	}
	data := st.outBuf
	st.outBuf = nil
	st.lastSeq++
	seq := st.lastSeq
	st.needImmediate = false
	if st.throttleTimer != nil {
		st.throttleTimer.Stop()
		st.throttleTimer = nil
	}
	st.mu.Unlock()

	if err := Stdout(c, sid, data, seq); err != nil {
		r.log.Warn("ws write failed", zap.String("session", sid), zap.Error(err))
	}
	st.mu.Lock()
	st.lastSend = time.Now()
	st.mu.Unlock()
}

// orphan detaches conn from the session and starts the grace timer. If no
// client resumes before the timer fires, the shell is asked to exit and the
// death path tears the session down. A session that already moved to
// another connection is left alone.
func (r *Router) orphan(st *sessionState, sid string, conn *websocket.Conn) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.currentConn != conn {
		return
	}
	st.currentConn = nil
	if st.orphanTimer != nil {
		st.orphanTimer.Stop()
	}
	fd := st.fd
	grace := r.cfg.OrphanGrace.Duration()
	st.orphanTimer = time.AfterFunc(grace, func() {
		st.mu.Lock()
		abandoned := st.currentConn == nil
		st.mu.Unlock()
		if !abandoned {
			return
		}
		if r.state(sid) == nil {
			return
		}
		r.log.Info("orphan grace expired, asking shell to exit", zap.String("session", sid))
		pty.Attach(fd).Kill()
	})
}

func (r *Router) cleanupConn(conn *websocket.Conn) {
	r.mu.Lock()
	ids := r.connSessions[conn]
	delete(r.connSessions, conn)
	r.mu.Unlock()
	for sid := range ids {
		st := r.state(sid)
		if st == nil {
			continue // already exited
		}
		r.orphan(st, sid, conn)
	}
}

// geometryFrom extracts cols/rows and the optional cell pixel sizes from a
// client message.
func geometryFrom(m map[string]any) (pty.Geometry, bool) {
	cols := asInt(m["cols"])
	rows := asInt(m["rows"])
	if cols <= 0 || rows <= 0 {
		return pty.Geometry{}, false
	}
	return pty.Geometry{
		Rows:         uint16(rows),
		Cols:         uint16(cols),
		CellWidthPx:  uint16(asInt(m["cellWidth"])),
		CellHeightPx: uint16(asInt(m["cellHeight"])),
	}, true
}

func asInt(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	default:
		return 0
	}
}

// expectedReadErr reports read failures that occur in normal operation: EIO
// once the slave side is gone, EAGAIN when poll raced another reader on the
// nonblocking descriptor.
func expectedReadErr(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, unix.EAGAIN)
}

// sanitizeSnapshot removes a truncated OSC 10/11 sequence near the beginning
// of a replay buffer. If the buffer starts mid-OSC (missing the leading
// ESC), terminals render text like "]11;rgb:0000/0000/0000". Detect a stray
// ']' followed by "10;" or "11;" within the first ~64 bytes (after optional
// CR/LF) and drop it through its terminator (BEL or ST).
func sanitizeSnapshot(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	base := 0
	for base < len(b) && (b[base] == 0x0D || b[base] == 0x0A) {
		base++
	}
	limit := base + 64
	if limit > len(b) {
		limit = len(b)
	}
	for p := base; p+3 < limit; p++ {
		if b[p] != ']' {
			continue
		}
		// A preceding ESC means a well-formed OSC; leave it alone.
		if p > 0 && b[p-1] == 0x1B {
			continue
		}
		if b[p+1] == '1' && (b[p+2] == '0' || b[p+2] == '1') && b[p+3] == ';' {
			for q := p + 4; q < len(b)-1; q++ {
				if b[q] == 0x07 { // BEL
					out := make([]byte, 0, len(b)-(q+1-p))
					out = append(out, b[:p]...)
					out = append(out, b[q+1:]...)
					return out
				}
				if b[q] == 0x1B && b[q+1] == '\\' { // ST
					out := make([]byte, 0, len(b)-(q+2-p))
					out = append(out, b[:p]...)
					out = append(out, b[q+2:]...)
					return out
				}
			}
			// No terminator in the buffer: drop through the end.
			return b[:p]
		}
	}
	return b
}
