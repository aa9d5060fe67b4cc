package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"sentinel/pkg/threat"
	"sentinel/pkg/usage"
)

// --- collaborator event intake ---

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "METHOD_NOT_ALLOWED"})
		return false
	}
	return true
}

func accepted(w http.ResponseWriter) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *server) handleLoginFailure(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP        string `json:"ip"`
		Email     string `json:"email"`
		Reason    string `json:"reason"`
		UserAgent string `json:"user_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.tracker.RecordFailedAttempt(body.IP)
	s.engine.RecordFailedLogin(threat.FailedLogin{
		IP: body.IP, Email: body.Email, Reason: body.Reason, UserAgent: body.UserAgent,
	})
	accepted(w)
}

func (s *server) handleLoginSuccess(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP        string `json:"ip"`
		Email     string `json:"email"`
		UserAgent string `json:"user_agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.engine.RecordSuccessfulLogin(threat.SuccessfulLogin{IP: body.IP, Email: body.Email, UserAgent: body.UserAgent})
	accepted(w)
}

func (s *server) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP       string `json:"ip"`
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.engine.RecordSuspiciousActivity(threat.SuspiciousActivity{IP: body.IP, Reason: body.Reason, Severity: body.Severity})
	accepted(w)
}

func (s *server) handleRateLimitViolation(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP       string `json:"ip"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.engine.RecordRateLimitViolation(threat.RateLimitViolation{IP: body.IP, Endpoint: body.Endpoint})
	accepted(w)
}

func (s *server) handleSecurityError(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP      string `json:"ip"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.engine.RecordSecurityError(threat.SecurityError{IP: body.IP, Message: body.Message})
	accepted(w)
}

func (s *server) handleGenericEvent(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Type    string            `json:"type"`
		Details map[string]string `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
		return
	}
	s.engine.RecordEvent(body.Type, body.Details)
	accepted(w)
}

// --- operator surface ---

func (s *server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tracker": s.tracker.BlockedIPs(),
		"engine":  s.engine.BlockedIPs(),
	})
}

func (s *server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.ActiveAttempts())
}

func (s *server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP         string `json:"ip"`
		Reason     string `json:"reason"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY", "message": "ip is required"})
		return
	}
	if body.Reason == "" {
		body.Reason = "Manual block by operator"
	}
	s.engine.BlockIP(body.IP, body.Reason, time.Duration(body.DurationMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked", "ip": body.IP})
}

func (s *server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY", "message": "ip is required"})
		return
	}
	s.engine.UnblockIP(body.IP)
	s.tracker.ResetFailedAttempts(body.IP)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked", "ip": body.IP})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetMetrics())
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GenerateReport())
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusOK, s.engine.GetMetrics().RecentEvents)
		return
	}
	kind, ok := threat.KindFromString(category)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "UNKNOWN_CATEGORY", "message": category})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecentEvents(kind, limit))
}

func (s *server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.GetSummary())
}

func (s *server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.usage.GetHistory(limit))
}

func (s *server) handleUsageEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.GetEndpoints())
}

func (s *server) handleUsageTopIPs(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, http.StatusOK, s.usage.GetTopIPs(n))
}

func (s *server) handleUsageTopUsers(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, http.StatusOK, s.usage.GetTopUsers(n))
}

func (s *server) handleUsageConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.ActiveConnections())
}

func (s *server) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
			return
		}
	}
	if !s.usage.Reset(body.UserID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "USER_NOT_FOUND", "message": body.UserID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// flushWriter flushes the response after every write so stream consumers see
// events immediately.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// handleUsageStream registers the caller as a live listener and streams
// newline-delimited JSON events plus heartbeats until disconnect.
func (s *server) handleUsageStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "STREAMING_UNSUPPORTED"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	unsubscribe := s.usage.AddListener(&flushWriter{w: w, f: flusher}, usage.ListenerMeta{
		IP:        clientIP(r, s.trustProxy),
		UserID:    r.Header.Get("X-User-Id"),
		UserEmail: r.Header.Get("X-User-Email"),
	})
	defer unsubscribe()

	<-r.Context().Done()
}

func (s *server) handleAlertTest(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "INVALID_BODY"})
			return
		}
	}
	writeJSON(w, http.StatusOK, s.dispatcher.TestAlert(body.Channel))
}

func (s *server) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}
