package compose

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"worksnotify/internal/works"
)

func TestComposeProjectCreatedScenario(t *testing.T) {
	t.Parallel()
	c := Composer{BaseURL: "https://portal.example.com/"}
	msg := c.Compose(ProjectCreated, Payload{ID: "42", Name: "Pad Relaunch", Manager: "Kim"})

	if !strings.Contains(msg.Text, "프로젝트명: Pad Relaunch") {
		t.Fatalf("text missing project line:\n%s", msg.Text)
	}
	if !strings.Contains(msg.Text, "담당자: Kim") {
		t.Fatalf("text missing manager line:\n%s", msg.Text)
	}
	if strings.Contains(msg.Text, "마감일") || strings.Contains(msg.Text, "우선순위") {
		t.Fatalf("optional lines rendered without values:\n%s", msg.Text)
	}
	if msg.Action == nil || !strings.HasSuffix(msg.Action.URI, "/projects/42") {
		t.Fatalf("action = %+v", msg.Action)
	}

	want := works.ButtonTemplate(msg.Text, works.URIAction("프로젝트 보기", "https://portal.example.com/projects/42"))
	if diff := cmp.Diff(want, msg.Content()); diff != "" {
		t.Fatalf("Content() mismatch (-want +got):\n%s", diff)
	}
}

func TestComposeTemplates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		event    EventType
		payload  Payload
		contains []string
		uri      string
	}{
		{
			name:     "created with optionals",
			event:    ProjectCreated,
			payload:  Payload{ID: "1", Name: "Toner", Manager: "Lee", DueDate: "2025-04-30T00:00:00Z", Priority: "high"},
			contains: []string{"마감일: 2025-04-30", "우선순위: 높음"},
			uri:      "/projects/1",
		},
		{
			name:     "completed",
			event:    ProjectCompleted,
			payload:  Payload{ID: "7", Name: "Serum", Manager: "Park", CompletedDate: "2025-05-02"},
			contains: []string{"[프로젝트 완료]", "프로젝트명: Serum", "완료일: 2025-05-02"},
			uri:      "/projects/7",
		},
		{
			name:     "status changed",
			event:    ProjectStatusChanged,
			payload:  Payload{ID: "9", Name: "Mask", PrevStatus: "planning", Status: "on_hold", ChangedBy: "Choi"},
			contains: []string{"상태: 기획 → 보류", "변경자: Choi"},
			uri:      "/projects/9",
		},
		{
			name:     "status unknown code shown verbatim",
			event:    ProjectStatusChanged,
			payload:  Payload{ID: "9", PrevStatus: "review", Status: "completed"},
			contains: []string{"상태: review → 완료", "변경자: -"},
			uri:      "/projects/9",
		},
		{
			name:     "sample with project",
			event:    SampleCreated,
			payload:  Payload{ID: "s-3", Name: "Cream v2", Project: "Hydra", Round: 2},
			contains: []string{"샘플명: Cream v2", "프로젝트: Hydra", "차수: 2차"},
			uri:      "/samples/s-3",
		},
		{
			name:     "sample with brand",
			event:    SampleCreated,
			payload:  Payload{ID: "s-4", Name: "Lip", Brand: "Aurora"},
			contains: []string{"브랜드: Aurora", "차수: -"},
			uri:      "/samples/s-4",
		},
		{
			name:     "urgent",
			event:    UrgentProject,
			payload:  Payload{ID: "5", Name: "Sun", Reason: "supplier delay", DueDate: "2025-06-01"},
			contains: []string{"[긴급 프로젝트]", "사유: supplier delay", "마감일: 2025-06-01"},
			uri:      "/projects/5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Compose(tt.event, tt.payload)
			for _, s := range tt.contains {
				if !strings.Contains(msg.Text, s) {
					t.Errorf("text missing %q:\n%s", s, msg.Text)
				}
			}
			if msg.Action == nil || msg.Action.URI != tt.uri {
				t.Fatalf("action = %+v, want uri %q", msg.Action, tt.uri)
			}
			// No base URL: the relative target degrades to text.
			if got := msg.Content(); got.Type != works.ContentText || !strings.Contains(got.Text, tt.uri) {
				t.Fatalf("Content() = %+v", got)
			}
		})
	}
}

func TestComposeUnknownFallsBack(t *testing.T) {
	t.Parallel()
	msg := Compose(EventType("task_assigned"), Payload{ID: "1", Name: "x"})
	want := Message{Event: "task_assigned", Text: GenericText}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(works.TextContent(GenericText), msg.Content()); diff != "" {
		t.Fatalf("Content() (-want +got):\n%s", diff)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	t.Parallel()
	c := Composer{BaseURL: "https://portal.example.com"}
	p := Payload{ID: "3", Name: "Essence", Manager: "Kim", DueDate: "2025-01-01", Priority: "urgent"}
	first, _ := json.Marshal(c.Compose(ProjectCreated, p))
	for i := 0; i < 50; i++ {
		got, _ := json.Marshal(c.Compose(ProjectCreated, p))
		if string(got) != string(first) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, got)
		}
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	if got := sanitize("  a\x00b\tc\r\nd  "); got != "abc\nd" {
		t.Fatalf("sanitize = %q", got)
	}
	if got := clean("   "); got != "-" {
		t.Fatalf("clean(blank) = %q", got)
	}
	long := strings.Repeat("가", MaxFieldRunes+20)
	got := sanitize(long)
	if utf8.RuneCountInString(got) != MaxFieldRunes || !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated to %d runes: %q", utf8.RuneCountInString(got), got)
	}
}

func TestFallbackAppendsTarget(t *testing.T) {
	t.Parallel()
	m := Message{Text: "hi", Action: &Action{Label: "보기", URI: "/projects/1"}}
	if got := m.Fallback(); got != "hi\n\n보기: /projects/1" {
		t.Fatalf("Fallback() = %q", got)
	}
}
