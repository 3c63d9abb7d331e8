package webhook

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"worksnotify/internal/compose"
	"worksnotify/internal/dispatch"
	"worksnotify/internal/works"
	logx "worksnotify/pkg/logx"
)

type call struct {
	kind    string
	targets []string
	msg     compose.Message
}

type recordingSender struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *recordingSender) SendToUsers(_ context.Context, emails []string, msg compose.Message) (dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{kind: "users", targets: emails, msg: msg})
	return dispatch.Result{Total: len(emails), Sent: len(emails)}, s.err
}

func (s *recordingSender) SendToChannel(_ context.Context, id string, msg compose.Message) (dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{kind: "channel", targets: []string{id}, msg: msg})
	return dispatch.Result{Total: 1, Sent: 1}, s.err
}

func decode(t *testing.T, body string) ChangeEvent {
	t.Helper()
	ev, err := Decode(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return ev
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want compose.EventType
		ok   bool
	}{
		{"project insert", `{"type":"INSERT","record":{"table":"projects","id":42}}`, compose.ProjectCreated, true},
		{"envelope table wins", `{"type":"INSERT","table":"samples","record":{"table":"projects","id":1}}`, compose.SampleCreated, true},
		{"completed", `{"type":"UPDATE","record":{"table":"projects","id":7,"status":"completed"},"old_record":{"status":"in_progress"}}`, compose.ProjectCompleted, true},
		{"status change", `{"type":"UPDATE","table":"projects","record":{"status":"on_hold"},"old_record":{"status":"in_progress"}}`, compose.ProjectStatusChanged, true},
		{"reopened from completed", `{"type":"UPDATE","table":"projects","record":{"status":"in_progress"},"old_record":{"status":"completed"}}`, compose.ProjectStatusChanged, true},
		{"status unchanged", `{"type":"UPDATE","table":"projects","record":{"status":"in_progress","name":"x"},"old_record":{"status":"in_progress"}}`, "", false},
		{"completed unchanged", `{"type":"UPDATE","table":"projects","record":{"status":"completed"},"old_record":{"status":"completed"}}`, "", false},
		{"sample insert", `{"type":"insert","record":{"table":"samples","id":"s1"}}`, compose.SampleCreated, true},
		{"sample update", `{"type":"UPDATE","record":{"table":"samples","id":"s1"}}`, "", false},
		{"delete", `{"type":"DELETE","table":"projects","record":{"id":1}}`, "", false},
		{"other table", `{"type":"INSERT","record":{"table":"tasks"}}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(decode(t, tt.body))
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Classify = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProcessProjectCreatedScenario(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	h := NewHandler(Config{
		BaseURL: "https://portal.example.com",
		Routes:  Routes{ChannelID: "ops"},
	}, s)

	ev := decode(t, `{"type":"INSERT","record":{"table":"projects","id":42,"name":"Pad Relaunch","manager":"Kim","manager_email":"Kim@Example.com"}}`)
	out, err := h.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Applicable || out.Event != compose.ProjectCreated {
		t.Fatalf("outcome = %+v", out)
	}
	if len(s.calls) != 2 {
		t.Fatalf("calls = %d, want channel + users", len(s.calls))
	}
	if s.calls[0].kind != "channel" || s.calls[0].targets[0] != "ops" {
		t.Fatalf("first call = %+v", s.calls[0])
	}
	if diff := cmp.Diff([]string{"kim@example.com"}, s.calls[1].targets); diff != "" {
		t.Fatalf("user targets (-want +got):\n%s", diff)
	}
	msg := s.calls[0].msg
	if !strings.Contains(msg.Text, "프로젝트명: Pad Relaunch") {
		t.Fatalf("text = %q", msg.Text)
	}
	if msg.Action == nil || !strings.HasSuffix(msg.Action.URI, "/projects/42") {
		t.Fatalf("action = %+v", msg.Action)
	}
	if out.Result.Sent != 2 {
		t.Fatalf("result = %+v", out.Result)
	}
}

func TestProcessCompletedScenario(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	h := NewHandler(Config{Routes: Routes{ChannelID: "ops"}}, s)
	ev := decode(t, `{"type":"UPDATE","record":{"table":"projects","id":7,"status":"completed"},"old_record":{"status":"in_progress"}}`)

	out, err := h.Process(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != compose.ProjectCompleted {
		t.Fatalf("event = %q", out.Event)
	}
	if len(s.calls) != 1 || s.calls[0].msg.Event != compose.ProjectCompleted {
		t.Fatalf("calls = %+v", s.calls)
	}
}

func TestProcessNotApplicableMakesNoCalls(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	h := NewHandler(Config{Routes: Routes{ChannelID: "ops"}}, s)
	out, err := h.Process(context.Background(), decode(t, `{"type":"INSERT","record":{"table":"accounts","id":1}}`))
	if err != nil || out.Applicable {
		t.Fatalf("out=%+v err=%v", out, err)
	}
	if len(s.calls) != 0 {
		t.Fatalf("calls = %d", len(s.calls))
	}
}

func TestProcessDedupWindow(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHandler(Config{Routes: Routes{ChannelID: "ops"}, DedupWindow: time.Minute}, s,
		WithClock(func() time.Time { return now }))
	ev := decode(t, `{"type":"INSERT","record":{"table":"samples","id":"s1","name":"Cream","round":2}}`)
	ctx := context.Background()

	if out, _ := h.Process(ctx, ev); out.Deduped {
		t.Fatal("first delivery must not be deduped")
	}
	out, _ := h.Process(ctx, ev)
	if !out.Deduped {
		t.Fatal("replay inside window should be suppressed")
	}
	now = now.Add(2 * time.Minute)
	if out, _ := h.Process(ctx, ev); out.Deduped {
		t.Fatal("window expired, event should be sent again")
	}
	if len(s.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(s.calls))
	}
}

func TestProcessAuthFailureReleasesDedup(t *testing.T) {
	t.Parallel()
	s := &recordingSender{err: fmt.Errorf("%w: down", works.ErrAuth)}
	d := NewMemoryDedup()
	h := NewHandler(Config{Routes: Routes{ChannelID: "ops"}, DedupWindow: time.Hour}, s, WithDeduper(d))

	_, err := h.Process(context.Background(), decode(t, `{"type":"INSERT","table":"projects","record":{"id":1}}`))
	if !IsAuthError(err) {
		t.Fatalf("err = %v", err)
	}
	if d.Len() != 0 {
		t.Fatal("failed attempt must release its dedup claim")
	}
}

func TestNotifyUrgentFallsBackToRoutes(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	h := NewHandler(Config{Routes: Routes{Recipients: map[string][]string{
		"urgent_project": {"lead@example.com"},
		"*":              {"ops@example.com", "LEAD@example.com"},
	}}}, s)

	out, err := h.Notify(context.Background(), Manual{
		Type:    compose.UrgentProject,
		Payload: compose.Payload{ID: "5", Name: "Sun", Reason: "supplier delay"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Unrouted || len(s.calls) != 1 {
		t.Fatalf("out=%+v calls=%+v", out, s.calls)
	}
	if diff := cmp.Diff([]string{"lead@example.com", "ops@example.com"}, s.calls[0].targets); diff != "" {
		t.Fatalf("targets (-want +got):\n%s", diff)
	}
	if !strings.Contains(s.calls[0].msg.Text, "사유: supplier delay") {
		t.Fatalf("text = %q", s.calls[0].msg.Text)
	}
}

func TestRoutesTargetsRecordFields(t *testing.T) {
	t.Parallel()
	rec := Record{"manager_email": "a@example.com", "notify_emails": []any{"b@example.com", " "}}
	ch, emails := Routes{}.Targets(compose.ProjectCreated, rec)
	if ch != "" {
		t.Fatalf("channel = %q", ch)
	}
	if diff := cmp.Diff([]string{"a@example.com", "b@example.com"}, emails); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if got := (Record{"notify_emails": "x@example.com, y@example.com"}).List("notify_emails"); len(got) != 2 {
		t.Fatalf("List(csv) = %v", got)
	}
}

func TestBuildPayloadStatusChange(t *testing.T) {
	t.Parallel()
	ev := decode(t, `{"type":"UPDATE","table":"projects","record":{"id":9,"title":"Mask","status":"on_hold","updated_by":"Choi"},"old_record":{"status":"planning"}}`)
	got := BuildPayload(compose.ProjectStatusChanged, ev)
	want := compose.Payload{ID: "9", Name: "Mask", PrevStatus: "planning", Status: "on_hold", ChangedBy: "Choi"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, body := range []string{`{`, `[]`, `{"type":"INSERT"} {}`} {
		if _, err := Decode(strings.NewReader(body)); err == nil {
			t.Errorf("Decode(%q) succeeded", body)
		}
	}
}

func TestMissingRecordIDIsLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := &recordingSender{}
	h := NewHandler(Config{BaseURL: "https://portal.example.com", Routes: Routes{ChannelID: "ops"}}, s,
		WithLogger(logx.NewWriter(&buf, "debug")))

	ev := decode(t, `{"type":"INSERT","record":{"table":"projects","name":"No Id"}}`)
	if _, err := h.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(s.calls) != 1 || s.calls[0].msg.Action != nil {
		t.Fatalf("calls = %+v", s.calls)
	}
	if !strings.Contains(buf.String(), "message sent without view link") {
		t.Fatalf("missing warning, log = %q", buf.String())
	}

	buf.Reset()
	ev = decode(t, `{"type":"INSERT","record":{"table":"projects","id":9,"name":"Has Id"}}`)
	if _, err := h.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if strings.Contains(buf.String(), "without view link") {
		t.Fatalf("unexpected warning, log = %q", buf.String())
	}
}

func TestNotifyUnknownTypeIsLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := &recordingSender{}
	h := NewHandler(Config{Routes: Routes{ChannelID: "ops"}}, s, WithLogger(logx.NewWriter(&buf, "debug")))

	out, err := h.Notify(context.Background(), Manual{Type: "budget_alert", ChannelID: "ops"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if out.Event.Known() {
		t.Fatalf("event %q reported as known", out.Event)
	}
	if len(s.calls) != 1 || s.calls[0].msg.Text != compose.GenericText {
		t.Fatalf("calls = %+v", s.calls)
	}
	log := buf.String()
	if !strings.Contains(log, "unknown notification type") || !strings.Contains(log, "budget_alert") {
		t.Fatalf("log = %q", log)
	}
	if strings.Contains(log, "without view link") {
		t.Fatalf("generic text must not warn about links, log = %q", log)
	}
}
