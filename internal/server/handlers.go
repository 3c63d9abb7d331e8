package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"worksnotify/internal/compose"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/webhook"
	logx "worksnotify/pkg/logx"
)

const (
	codeBadRequest   = "bad_request"
	codeAuthFailed   = "auth_failed"
	codeInternal     = "internal"
	codeUnauthorized = "unauthorized"
	codeRateLimited  = "rate_limited"
	codeNoTarget     = "no_target"

	msgNotApplicable = "알림 대상 아님"
	msgDeduped       = "중복 이벤트"
	msgAuthFailed    = "메시지 서비스 인증에 실패했습니다."
	msgInternal      = "알림 처리 중 오류가 발생했습니다."
	msgBadRequest    = "잘못된 요청입니다."
)

// Response is the JSON body of every webhook reply. Error text never
// carries the underlying error; the log line with RequestID does.
type Response struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message,omitempty"`
	Error     string  `json:"error,omitempty"`
	Code      string  `json:"code,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
	Event     string  `json:"event,omitempty"`
	Result    *Counts `json:"result,omitempty"`
}

// Counts is the only part of a dispatch result a caller sees. Per-recipient
// failures stay in the log and the delivery history.
type Counts struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func countsOf(r dispatch.Result) *Counts {
	return &Counts{Total: r.Total, Sent: r.Sent, Failed: r.Failed}
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(dispatch.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	ev, err := webhook.Decode(r.Body)
	if err != nil {
		s.log.Info("bad webhook body", logx.String("request_id", dispatch.RequestID(ctx)), logx.Err(err))
		badBody(w, r, err)
		return
	}

	out, err := s.pipeline.Process(ctx, ev)
	fields := []logx.Field{
		logx.String("request_id", dispatch.RequestID(ctx)),
		logx.String("table", ev.TableName()),
		logx.String("op", ev.Op()),
		logx.String("event", string(out.Event)),
		logx.Duration("took", time.Since(start)),
	}
	if err != nil {
		s.fail(w, r, err, fields)
		return
	}
	if !out.Applicable {
		writeJSON(w, http.StatusOK, Response{Success: true, Message: msgNotApplicable})
		return
	}
	fields = append(fields, logx.Int("sent", out.Result.Sent), logx.Int("failed", out.Result.Failed))
	s.log.Info("webhook handled", fields...)
	writeJSON(w, http.StatusOK, success(r, out))
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	var m webhook.Manual
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		badBody(w, r, err)
		return
	}
	if strings.TrimSpace(string(m.Type)) == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, msgBadRequest)
		return
	}
	out, err := s.pipeline.Notify(ctx, m)
	fields := []logx.Field{
		logx.String("request_id", dispatch.RequestID(ctx)),
		logx.String("event", string(out.Event)),
		logx.Duration("took", time.Since(start)),
	}
	if err != nil {
		s.fail(w, r, err, fields)
		return
	}
	s.log.Info("notify handled", append(fields, logx.Int("sent", out.Result.Sent), logx.Int("failed", out.Result.Failed))...)
	writeJSON(w, http.StatusOK, success(r, out))
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, _ := s.snapshot()
	channel := strings.TrimSpace(cfg.TestChannelID)
	if channel == "" {
		writeError(w, r, http.StatusBadRequest, codeNoTarget, "테스트 채널이 설정되지 않았습니다.")
		return
	}
	res, err := s.sender.SendToChannel(ctx, channel, compose.Message{Event: "test", Text: cfg.TestMessage})
	if err != nil {
		s.fail(w, r, err, []logx.Field{logx.String("request_id", dispatch.RequestID(ctx)), logx.String("channel", channel)})
		return
	}
	if res.Failed > 0 {
		s.log.Warn("test message failed", logx.String("request_id", dispatch.RequestID(ctx)), logx.String("channel", channel))
		writeError(w, r, http.StatusBadGateway, codeInternal, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "테스트 메시지를 전송했습니다.", RequestID: dispatch.RequestID(ctx), Result: countsOf(res)})
}

func badBody(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, r, http.StatusRequestEntityTooLarge, codeBadRequest, msgBadRequest)
		return
	}
	writeError(w, r, http.StatusBadRequest, codeBadRequest, msgBadRequest)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, fields []logx.Field) {
	switch {
	case webhook.IsAuthError(err):
		s.log.Error("notification aborted: auth failed", append(fields, logx.Err(err))...)
		writeError(w, r, http.StatusInternalServerError, codeAuthFailed, msgAuthFailed)
	default:
		s.log.Error("notification failed", append(fields, logx.Err(err))...)
		writeError(w, r, http.StatusInternalServerError, codeInternal, msgInternal)
	}
}

func success(r *http.Request, out webhook.Outcome) Response {
	resp := Response{
		Success:   true,
		RequestID: dispatch.RequestID(r.Context()),
		Event:     string(out.Event),
	}
	switch {
	case out.Deduped:
		resp.Message = msgDeduped
	case out.Unrouted:
		resp.Message = "수신 대상이 없습니다."
	default:
		resp.Result = countsOf(out.Result)
	}
	return resp
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, Response{
		Success:   false,
		Error:     msg,
		Code:      code,
		RequestID: dispatch.RequestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
