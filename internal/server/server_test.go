package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/assemblyai"
)

// fakeController is a hand-written [Controller] for handler tests.
type fakeController struct {
	mu       sync.Mutex
	startErr error
	askErr   error
	chunks   []string
	status   session.Status
	started  int
	stopped  int
	question string
	updates  chan session.Update
}

func newFakeController() *fakeController {
	return &fakeController{updates: make(chan session.Update, 8)}
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.status = session.Status{SessionID: "s-1", State: stt.StateConnecting}
	return nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.status.State = stt.StateClosing
}

func (f *fakeController) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Subscribe() (<-chan session.Update, func()) {
	return f.updates, func() {}
}

func (f *fakeController) Ask(_ context.Context, question string) (<-chan string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.askErr != nil {
		return nil, f.askErr
	}
	f.question = question
	ch := make(chan string, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestServer(t *testing.T, ctrl Controller, store memory.SessionStore) *Server {
	t.Helper()
	s, err := New(Config{
		Controller: ctrl,
		Store:      store,
		Metrics:    testMetrics(t),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	var p Problem
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v (body %q)", err, rec.Body.String())
	}
	return p
}

func TestNew_RequiresControllerAndStore(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Store: memory.NewMemStore()}); err == nil {
		t.Error("New without controller: want error")
	}
	if _, err := New(Config{Controller: newFakeController()}); err == nil {
		t.Error("New without store: want error")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"permission", fmt.Errorf("capture: open: %w", audio.ErrPermissionDenied), 403, "microphone_denied"},
		{"no device", fmt.Errorf("capture: %w", audio.ErrDeviceUnavailable), 503, "microphone_unavailable"},
		{"bad key", fmt.Errorf("token: %w", assemblyai.ErrBadCredential), 401, "bad_credential"},
		{"quota", fmt.Errorf("token: %w", assemblyai.ErrQuotaExceeded), 429, "quota_exceeded"},
		{"service down", fmt.Errorf("token: %w", assemblyai.ErrServiceUnavailable), 502, "service_unavailable"},
		{"network", fmt.Errorf("token: %w", assemblyai.ErrNetwork), 502, "network"},
		{"transport", &assemblyai.TransportError{Code: -1, Reason: "reset"}, 502, "network"},
		{"unexpected", fmt.Errorf("token: %w", assemblyai.ErrUnexpectedResponse), 502, "unexpected_response"},
		{"active", session.ErrSessionActive, 409, "session_active"},
		{"no analyser", session.ErrNoAnalyser, 501, "analysis_disabled"},
		{"empty", session.ErrEmptyTranscript, 409, "empty_transcript"},
		{"too long", session.ErrTranscriptTooLong, 413, "transcript_too_long"},
		{"not found", memory.ErrNotFound, 404, "not_found"},
		{"deadline", fmt.Errorf("ask: %w", context.DeadlineExceeded), 504, "timeout"},
		{"other", errors.New("boom"), 500, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Classify(tt.err)
			if p.Status() != tt.status || p.Code != tt.code {
				t.Errorf("Classify = %d %q, want %d %q", p.Status(), p.Code, tt.status, tt.code)
			}
			if p.Message != tt.err.Error() {
				t.Errorf("Message = %q, want %q", p.Message, tt.err.Error())
			}
		})
	}
}

func TestStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"ok", nil, http.StatusAccepted, ""},
		{"denied", fmt.Errorf("session: start: %w", audio.ErrPermissionDenied), http.StatusForbidden, "microphone_denied"},
		{"no mic", fmt.Errorf("session: start: %w", audio.ErrDeviceUnavailable), http.StatusServiceUnavailable, "microphone_unavailable"},
		{"active", session.ErrSessionActive, http.StatusConflict, "session_active"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := newFakeController()
			ctrl.startErr = tt.err
			s := newTestServer(t, ctrl, memory.NewMemStore())

			rec := do(t, s, http.MethodPost, "/v1/session/start", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.err == nil {
				var st struct {
					SessionID string `json:"session_id"`
					State     string `json:"state"`
				}
				if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if st.SessionID != "s-1" || st.State != "connecting" {
					t.Errorf("status body = %+v", st)
				}
				return
			}
			p := decodeProblem(t, rec)
			if p.Code != tt.code {
				t.Errorf("code = %q, want %q", p.Code, tt.code)
			}
			if p.Guidance == "" {
				t.Error("guidance is empty")
			}
		})
	}
}

func TestStopAndStatus(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := newTestServer(t, ctrl, memory.NewMemStore())

	if rec := do(t, s, http.MethodPost, "/v1/session/stop", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("stop status = %d, want 202", rec.Code)
	}
	if ctrl.stopped != 1 {
		t.Errorf("Stop calls = %d, want 1", ctrl.stopped)
	}

	rec := do(t, s, http.MethodGet, "/v1/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"closing"`) {
		t.Errorf("body = %q, want closing state", rec.Body.String())
	}
}

func TestStart_WrongMethod(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), memory.NewMemStore())
	if rec := do(t, s, http.MethodGet, "/v1/session/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAsk_Streams(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.chunks = []string{"The meeting ", "was about ", "budgets."}
	s := newTestServer(t, ctrl, memory.NewMemStore())

	rec := do(t, s, http.MethodPost, "/v1/session/ask", `{"question":"What was it about?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "The meeting was about budgets." {
		t.Errorf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if ctrl.question != "What was it about?" {
		t.Errorf("question = %q", ctrl.question)
	}
	if !rec.Flushed {
		t.Error("response was not flushed")
	}
}

func TestAsk_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		askErr error
		status int
		code   string
	}{
		{"not json", "question?", nil, http.StatusBadRequest, "bad_request"},
		{"blank question", `{"question":"   "}`, nil, http.StatusBadRequest, "bad_request"},
		{"no analyser", `{"question":"hi"}`, session.ErrNoAnalyser, http.StatusNotImplemented, "analysis_disabled"},
		{"empty transcript", `{"question":"hi"}`, session.ErrEmptyTranscript, http.StatusConflict, "empty_transcript"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := newFakeController()
			ctrl.askErr = tt.askErr
			s := newTestServer(t, ctrl, memory.NewMemStore())

			rec := do(t, s, http.MethodPost, "/v1/session/ask", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if p := decodeProblem(t, rec); p.Code != tt.code {
				t.Errorf("code = %q, want %q", p.Code, tt.code)
			}
		})
	}
}

func seedStore(t *testing.T) *memory.MemStore {
	t.Helper()
	store := memory.NewMemStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"standup notes", "budget review", "retro about the budget"} {
		err := store.Save(context.Background(), memory.SessionRecord{
			ID:         fmt.Sprintf("rec-%d", i),
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			Transcript: text,
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	return store
}

func listIDs(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var recs []memory.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestList(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), seedStore(t))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all newest first", "", []string{"rec-2", "rec-1", "rec-0"}},
		{"limit", "?limit=2", []string{"rec-2", "rec-1"}},
		{"before", "?before=2026-03-01T10:30:00Z", []string{"rec-1", "rec-0"}},
		{"search", "?q=BUDGET", []string{"rec-2", "rec-1"}},
		{"search limit", "?q=budget&limit=1", []string{"rec-2"}},
		{"no match", "?q=zebra", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/v1/sessions"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			got := listIDs(t, rec)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestList_EmptyIsArray(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), memory.NewMemStore())
	rec := do(t, s, http.MethodGet, "/v1/sessions", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestList_BadParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), memory.NewMemStore())
	for _, q := range []string{"?limit=abc", "?limit=0", "?limit=-3", "?before=yesterday"} {
		rec := do(t, s, http.MethodGet, "/v1/sessions"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestGetAndDelete(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), seedStore(t))

	rec := do(t, s, http.MethodGet, "/v1/sessions/rec-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var got memory.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Transcript != "budget review" {
		t.Errorf("Transcript = %q", got.Transcript)
	}

	if rec := do(t, s, http.MethodDelete, "/v1/sessions/rec-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/v1/sessions/rec-1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	rec = do(t, s, http.MethodDelete, "/v1/sessions/rec-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", rec.Code)
	}
	if p := decodeProblem(t, rec); p.Code != "not_found" {
		t.Errorf("code = %q, want not_found", p.Code)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s, err := New(Config{
		Controller: ctrl,
		Store:      memory.NewMemStore(),
		Metrics:    testMetrics(t),
		Health: health.New(health.Checker{
			Name:  "database",
			Check: func(context.Context) error { return errors.New("down") },
		}),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Errorf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
}

// wireEvent mirrors the JSON shape of one stream message.
type wireEvent struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Interim   string `json:"interim"`
	Error     string `json:"error"`
	Status    *struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	} `json:"status"`
	Problem *Problem `json:"problem"`
}

func dialEvents(t *testing.T, s *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/session/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func TestEvents_SnapshotThenUpdates(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	ctrl.status = session.Status{SessionID: "s-9", State: stt.StateConnected}
	s := newTestServer(t, ctrl, memory.NewMemStore())
	conn, ctx := dialEvents(t, s)

	var snap wireEvent
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Kind != "snapshot" || snap.State != "connected" || snap.SessionID != "s-9" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Status == nil || snap.Status.SessionID != "s-9" {
		t.Errorf("snapshot status = %+v", snap.Status)
	}
	if snap.Problem != nil {
		t.Errorf("snapshot problem = %+v, want nil", snap.Problem)
	}

	ctrl.updates <- session.Update{Kind: session.UpdateTurn, SessionID: "s-9", State: stt.StateConnected, Interim: "hello wor"}
	var turn wireEvent
	if err := wsjson.Read(ctx, conn, &turn); err != nil {
		t.Fatalf("read turn: %v", err)
	}
	if turn.Kind != "turn" || turn.Interim != "hello wor" {
		t.Errorf("turn = %+v", turn)
	}

	cause := fmt.Errorf("session: %w", assemblyai.ErrQuotaExceeded)
	ctrl.updates <- session.Update{Kind: session.UpdateState, SessionID: "s-9", State: stt.StateError, Error: cause.Error(), Err: cause}
	var failed wireEvent
	if err := wsjson.Read(ctx, conn, &failed); err != nil {
		t.Fatalf("read error update: %v", err)
	}
	if failed.State != "error" || failed.Error != cause.Error() {
		t.Errorf("error update = %+v", failed)
	}
	if failed.Problem == nil || failed.Problem.Code != "quota_exceeded" {
		t.Errorf("problem = %+v, want quota_exceeded", failed.Problem)
	}
}

func TestEvents_SnapshotCarriesLastError(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	cause := fmt.Errorf("token: %w", assemblyai.ErrBadCredential)
	ctrl.status = session.Status{State: stt.StateError, LastError: cause.Error(), Err: cause}
	s := newTestServer(t, ctrl, memory.NewMemStore())
	conn, ctx := dialEvents(t, s)

	var snap wireEvent
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Problem == nil || snap.Problem.Code != "bad_credential" {
		t.Errorf("problem = %+v, want bad_credential", snap.Problem)
	}
}

func TestEvents_ClosedChannelEndsStream(t *testing.T) {
	t.Parallel()

	ctrl := newFakeController()
	s := newTestServer(t, ctrl, memory.NewMemStore())
	conn, ctx := dialEvents(t, s)

	var snap wireEvent
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	close(ctrl.updates)

	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeController(), memory.NewMemStore())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
