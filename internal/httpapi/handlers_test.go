package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wabridge/internal/breaker"
	"wabridge/internal/dispatch"
	"wabridge/internal/metrics"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

type fakeSession struct {
	snap      session.Snapshot
	qr        string
	qrExpires time.Time
	relinks   []bool
	relinkErr error
}

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }

func (f *fakeSession) CurrentChallenge() (string, time.Time) { return f.qr, f.qrExpires }

func (f *fakeSession) Relink(wipeAuth bool) error {
	f.relinks = append(f.relinks, wipeAuth)
	return f.relinkErr
}

type fakeDispatcher struct {
	lastReq dispatch.Request
	res     dispatch.Result
	err     error
}

func (f *fakeDispatcher) Send(_ context.Context, req dispatch.Request) (dispatch.Result, error) {
	f.lastReq = req
	return f.res, f.err
}

const testToken = "test-token"

func newTestService(sess *fakeSession, disp *fakeDispatcher) *Service {
	return New(Config{Listen: ":0"}, sess, disp, metrics.New(), breaker.New(breaker.Config{}),
		func() string { return testToken }, logx.Nop())
}

func doReq(s *Service, method, path, token, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealthNoAuthRequired(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{Status: session.StatusConnected, Connected: true}}
	s := newTestService(sess, &fakeDispatcher{})

	w := doReq(s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != "ok" || body["connected"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["active_sessions"] != float64(1) {
		t.Fatalf("active_sessions = %v", body["active_sessions"])
	}
}

func TestHealthDegradedAndError(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{snap: session.Snapshot{Status: session.StatusDisconnected}}
	s := newTestService(sess, &fakeDispatcher{})
	if body := decode(t, doReq(s, http.MethodGet, "/health", "", "")); body["status"] != "degraded" {
		t.Fatalf("status = %v, want degraded", body["status"])
	}

	sess.snap.NeedsManualRelink = true
	if body := decode(t, doReq(s, http.MethodGet, "/health", "", "")); body["status"] != "error" {
		t.Fatalf("status = %v, want error", body["status"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeSession{}, &fakeDispatcher{})

	for _, path := range []string{"/session", "/qr", "/status", "/metrics", "/send"} {
		method := http.MethodGet
		if path == "/send" {
			method = http.MethodPost
		}
		if w := doReq(s, method, path, "", ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status = %d, want 401", path, w.Code)
		}
		if w := doReq(s, method, path, "wrong", ""); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s with bad token: status = %d, want 401", path, w.Code)
		}
	}
}

func TestUnconfiguredTokenRefusesService(t *testing.T) {
	t.Parallel()
	s := New(Config{Listen: ":0"}, &fakeSession{}, &fakeDispatcher{}, metrics.New(),
		breaker.New(breaker.Config{}), func() string { return "" }, logx.Nop())
	w := doReq(s, http.MethodGet, "/session", "anything", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	t.Parallel()
	seen := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	sess := &fakeSession{snap: session.Snapshot{
		Status: session.StatusConnected, Connected: true,
		Identity: "bridge@wa", LastSeen: seen,
	}}
	s := newTestService(sess, &fakeDispatcher{})

	body := decode(t, doReq(s, http.MethodGet, "/session", testToken, ""))
	if body["logged_in"] != true || body["identity"] != "bridge@wa" {
		t.Fatalf("body = %v", body)
	}
	if body["last_seen"] != "2026-08-29T10:00:00Z" {
		t.Fatalf("last_seen = %v", body["last_seen"])
	}
}

func TestSessionLastSeenNullWhenNeverSeen(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeSession{}, &fakeDispatcher{})
	body := decode(t, doReq(s, http.MethodGet, "/session", testToken, ""))
	if body["last_seen"] != nil {
		t.Fatalf("last_seen = %v, want null", body["last_seen"])
	}
}

func TestQREndpointNeverErrors(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	s := newTestService(sess, &fakeDispatcher{})

	w := doReq(s, http.MethodGet, "/qr", testToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["qr"] != nil {
		t.Fatalf("qr = %v, want null", body["qr"])
	}

	sess.qr = "qr-payload"
	sess.qrExpires = time.Now().Add(2 * time.Minute)
	if body := decode(t, doReq(s, http.MethodGet, "/qr", testToken, "")); body["qr"] != "qr-payload" {
		t.Fatalf("qr = %v", body["qr"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sess fakeSession
		want string
	}{
		{name: "connected", sess: fakeSession{snap: session.Snapshot{Status: session.StatusConnected, Connected: true}}, want: "connected"},
		{name: "qr ready", sess: fakeSession{snap: session.Snapshot{Status: session.StatusQRWait}, qr: "code"}, want: "qr_ready"},
		{name: "connecting", sess: fakeSession{snap: session.Snapshot{Status: session.StatusConnecting}}, want: "not_ready"},
		{name: "disconnected", sess: fakeSession{snap: session.Snapshot{Status: session.StatusDisconnected}}, want: "disconnected"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(&tt.sess, &fakeDispatcher{})
			body := decode(t, doReq(s, http.MethodGet, "/status", testToken, ""))
			if body["status"] != tt.want {
				t.Fatalf("status = %v, want %s", body["status"], tt.want)
			}
		})
	}
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{res: dispatch.Result{MessageIDs: []string{"m1"}, GroupJID: "g1@g.us"}}
	s := newTestService(&fakeSession{}, disp)

	w := doReq(s, http.MethodPost, "/send", testToken,
		`{"text":"hello","idempotency_key":"blog:42:post","meta":{"item_id":"42"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["ok"] != true || body["group_jid"] != "g1@g.us" {
		t.Fatalf("body = %v", body)
	}
	if disp.lastReq.IdempotencyKey != "blog:42:post" {
		t.Fatalf("idempotency key = %q", disp.lastReq.IdempotencyKey)
	}
	// With no X-Correlation-ID header, meta.item_id is the correlation id.
	if disp.lastReq.CorrelationID != "42" {
		t.Fatalf("correlation id = %q", disp.lastReq.CorrelationID)
	}
}

func TestSendErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code dispatch.Code
		want int
	}{
		{dispatch.CodeInvalidInput, http.StatusBadRequest},
		{dispatch.CodeTooManyChunks, http.StatusBadRequest},
		{dispatch.CodeRateLimited, http.StatusTooManyRequests},
		{dispatch.CodeCircuitOpen, http.StatusServiceUnavailable},
		{dispatch.CodeUnavailable, http.StatusServiceUnavailable},
		{dispatch.CodeNeedsRelink, http.StatusServiceUnavailable},
		{dispatch.CodeSendFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.code), func(t *testing.T) {
			disp := &fakeDispatcher{err: &dispatch.Error{Code: tt.code, Msg: "nope"}}
			s := newTestService(&fakeSession{}, disp)
			w := doReq(s, http.MethodPost, "/send", testToken, `{"text":"hello"}`)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			body := decode(t, w)
			if body["error"] != string(tt.code) {
				t.Fatalf("error = %v, want %s", body["error"], tt.code)
			}
		})
	}
}

func TestSendPartialFailureExposesIDs(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{err: &dispatch.Error{
		Code: dispatch.CodeSendFailed, Msg: "send failed", SentIDs: []string{"m1", "m2"},
	}}
	s := newTestService(&fakeSession{}, disp)
	body := decode(t, doReq(s, http.MethodPost, "/send", testToken, `{"text":"hello"}`))
	ids, ok := body["message_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Fatalf("message_ids = %v", body["message_ids"])
	}
}

func TestSendMalformedBody(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeSession{}, &fakeDispatcher{})
	w := doReq(s, http.MethodPost, "/send", testToken, `{"text": `)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestReconnectEndpoint(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	s := newTestService(sess, &fakeDispatcher{})

	w := doReq(s, http.MethodPost, "/reconnect", testToken, `{"wipe_auth":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(sess.relinks) != 1 || !sess.relinks[0] {
		t.Fatalf("relinks = %v", sess.relinks)
	}

	// Empty body defaults to keeping credentials.
	if w := doReq(s, http.MethodPost, "/reconnect", testToken, ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(sess.relinks) != 2 || sess.relinks[1] {
		t.Fatalf("relinks = %v", sess.relinks)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeSession{}, &fakeDispatcher{res: dispatch.Result{}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("echoed correlation id = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	met := metrics.New()
	met.SendSuccess()
	met.RateLimited()
	s := New(Config{Listen: ":0"}, &fakeSession{}, &fakeDispatcher{}, met,
		breaker.New(breaker.Config{}), func() string { return testToken }, logx.Nop())

	body := decode(t, doReq(s, http.MethodGet, "/metrics", testToken, ""))
	if body["sends_success_total"] != float64(1) || body["rate_limited_total"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
}
