package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"wabridge/internal/dispatch"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

const maxSendBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	OK         bool     `json:"ok"`
	Error      string   `json:"error"`
	Detail     string   `json:"detail,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string, sentIDs []string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail, MessageIDs: sentIDs})
}

// handleHealth is the unauthenticated liveness view. "ok" means an open,
// authenticated session; "degraded" a recoverable disconnect; "error" a
// deauthorization waiting on a manual relink.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.Snapshot()

	status := "degraded"
	switch {
	case snap.NeedsManualRelink:
		status = "error"
	case snap.Connected:
		status = "ok"
	}
	active := 0
	if snap.Connected {
		active = 1
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 status,
		"connected":              snap.Connected,
		"active_sessions":        active,
		"needs_manual_relink":    snap.NeedsManualRelink,
		"last_disconnect_reason": snap.LastDisconnectReason,
		"last_disconnect_code":   snap.LastDisconnectCode,
		"disconnect_count":       snap.DisconnectCount,
		"reconnect_attempt":      snap.ReconnectAttempt,
		"last_errors":            snap.LastErrors,
		"breaker":                s.brk.Snapshot(),
		"uptime_seconds":         int(time.Since(s.up).Seconds()),
	})
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.Snapshot()

	var lastSeen any
	if !snap.LastSeen.IsZero() {
		lastSeen = snap.LastSeen.UTC().Format(time.RFC3339)
	}
	var identity any
	if snap.Identity != "" {
		identity = snap.Identity
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logged_in":           snap.Connected,
		"identity":            identity,
		"last_seen":           lastSeen,
		"needs_manual_relink": snap.NeedsManualRelink,
	})
}

// handleQR serves the live pairing challenge. It never errors: absent,
// expired, or already-consumed challenges all come back as a null value so
// pollers can just loop.
func (s *Service) handleQR(w http.ResponseWriter, r *http.Request) {
	code, expiresAt := s.sess.CurrentChallenge()
	if code == "" {
		writeJSON(w, http.StatusOK, map[string]any{"qr": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"qr":         code,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// handleStatus is the coarse client-facing state: connected, qr_ready when
// a challenge is scannable, not_ready while connecting, else disconnected.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sess.Snapshot()
	code, _ := s.sess.CurrentChallenge()

	st := "disconnected"
	switch {
	case snap.Connected:
		st = "connected"
	case code != "":
		st = "qr_ready"
	case snap.Status == session.StatusConnecting || snap.Status == session.StatusQRWait:
		st = "not_ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                 st,
		"connected":              snap.Connected,
		"last_disconnect_reason": snap.LastDisconnectReason,
		"server_time":            time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.met.Snapshot())
}

// handleNetcheck probes plain reachability of the upstream web endpoint.
// It says nothing about session health; it separates "our network is down"
// from "the session is broken" during incidents.
func (s *Service) handleNetcheck(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, s.cfg.NetcheckURL, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "unreachable"})
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          resp.StatusCode < 500,
		"status_code": resp.StatusCode,
		"latency_ms":  time.Since(start).Milliseconds(),
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

type sendRequest struct {
	Text           string    `json:"text"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Meta           *sendMeta `json:"meta,omitempty"`
}

type sendMeta struct {
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
	ItemID string `json:"item_id,omitempty"`
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSendBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, string(dispatch.CodeInvalidInput), "malformed json body", nil)
		return
	}

	corrID := CorrelationID(r.Context())
	if body.Meta != nil && strings.TrimSpace(body.Meta.ItemID) != "" && r.Header.Get("X-Correlation-ID") == "" {
		corrID = strings.TrimSpace(body.Meta.ItemID)
	}

	res, err := s.disp.Send(r.Context(), dispatch.Request{
		Text:           body.Text,
		IdempotencyKey: body.IdempotencyKey,
		CorrelationID:  corrID,
	})
	if err != nil {
		code := dispatch.CodeOf(err)
		var de *dispatch.Error
		var sentIDs []string
		detail := "send failed"
		if errors.As(err, &de) {
			sentIDs = de.SentIDs
			detail = de.Msg
		}
		s.log.Warn("send request failed",
			logx.String("corr_id", corrID),
			logx.String("code", string(code)))
		writeError(w, statusFor(code), string(code), detail, sentIDs)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"message_ids":  res.MessageIDs,
		"group_jid":    res.GroupJID,
		"deduplicated": res.Deduplicated,
	})
}

// statusFor maps the taxonomy onto HTTP. Backpressure and session outages
// are 429/503 so callers know to hold and retry later; a failed network
// send is the upstream's fault, 502.
func statusFor(code dispatch.Code) int {
	switch code {
	case dispatch.CodeInvalidInput, dispatch.CodeTooManyChunks:
		return http.StatusBadRequest
	case dispatch.CodeRateLimited:
		return http.StatusTooManyRequests
	case dispatch.CodeCircuitOpen, dispatch.CodeUnavailable, dispatch.CodeNeedsRelink:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

type reconnectRequest struct {
	WipeAuth bool `json:"wipe_auth,omitempty"`
}

// handleReconnect clears the manual-relink latch and forces a fresh
// connection attempt, optionally wiping stored credentials first.
func (s *Service) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var body reconnectRequest
	if r.Body != nil {
		dec := json.NewDecoder(io.LimitReader(r.Body, 4096))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, string(dispatch.CodeInvalidInput), "malformed json body", nil)
			return
		}
	}

	s.log.Info("manual reconnect requested",
		logx.String("corr_id", CorrelationID(r.Context())),
		logx.Bool("wipe_auth", body.WipeAuth))
	if err := s.sess.Relink(body.WipeAuth); err != nil {
		writeError(w, http.StatusInternalServerError, "RELINK_FAILED", "relink failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "wipe_auth": body.WipeAuth})
}
