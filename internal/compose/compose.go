// Package compose turns a notification event into a chat message body.
//
// Compose performs no I/O and has no failure path: unknown event types
// produce a generic text message.
package compose

import (
	"net/url"
	"strconv"
	"strings"

	"worksnotify/internal/works"
)

type EventType string

const (
	ProjectCreated       EventType = "project_created"
	ProjectCompleted     EventType = "project_completed"
	ProjectStatusChanged EventType = "project_status_changed"
	SampleCreated        EventType = "sample_created"
	UrgentProject        EventType = "urgent_project"
)

// Known reports whether t has a dedicated template.
func (t EventType) Known() bool {
	switch t {
	case ProjectCreated, ProjectCompleted, ProjectStatusChanged, SampleCreated, UrgentProject:
		return true
	}
	return false
}

// Payload carries the domain fields a template may interpolate. Fields a
// template does not use are ignored.
type Payload struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	Manager       string `json:"manager,omitempty"`
	DueDate       string `json:"due_date,omitempty"`
	Priority      string `json:"priority,omitempty"`
	CompletedDate string `json:"completed_date,omitempty"`
	PrevStatus    string `json:"prev_status,omitempty"`
	Status        string `json:"status,omitempty"`
	ChangedBy     string `json:"changed_by,omitempty"`
	Project       string `json:"project,omitempty"`
	Brand         string `json:"brand,omitempty"`
	Round         int    `json:"round,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type Action struct {
	Label string `json:"label"`
	URI   string `json:"uri"`
}

// Message is the composed body. Action is nil for the generic fallback.
type Message struct {
	Event  EventType `json:"event"`
	Text   string    `json:"text"`
	Action *Action   `json:"action,omitempty"`
}

// Content renders the platform payload. A message whose action target is
// not an absolute URL is sent as plain text.
func (m Message) Content() works.Content {
	if m.Action != nil && isAbsolute(m.Action.URI) {
		return works.ButtonTemplate(m.Text, works.URIAction(m.Action.Label, m.Action.URI))
	}
	return works.TextContent(m.Fallback())
}

// Fallback is the plain text form with the action target appended.
func (m Message) Fallback() string {
	if m.Action == nil || m.Action.URI == "" {
		return m.Text
	}
	return m.Text + "\n\n" + m.Action.Label + ": " + m.Action.URI
}

const GenericText = "새로운 알림이 있습니다."

// Composer holds the portal base URL used to build action targets.
type Composer struct {
	BaseURL string
}

// Compose uses no base URL, so actions carry a bare path.
func Compose(t EventType, p Payload) Message {
	return Composer{}.Compose(t, p)
}

func (c Composer) Compose(t EventType, p Payload) Message {
	var (
		title string
		lines []string
		act   *Action
	)
	switch t {
	case ProjectCreated:
		title = "[새 프로젝트 등록]"
		lines = []string{
			field("프로젝트명", p.Name),
			field("담당자", p.Manager),
		}
		if strings.TrimSpace(p.DueDate) != "" {
			lines = append(lines, field("마감일", formatDate(p.DueDate)))
		}
		if strings.TrimSpace(p.Priority) != "" {
			lines = append(lines, field("우선순위", PriorityLabel(p.Priority)))
		}
		act = c.action("프로젝트 보기", "/projects/", p.ID)

	case ProjectCompleted:
		title = "[프로젝트 완료]"
		lines = []string{
			field("프로젝트명", p.Name),
			field("담당자", p.Manager),
			field("완료일", formatDate(p.CompletedDate)),
		}
		act = c.action("프로젝트 보기", "/projects/", p.ID)

	case ProjectStatusChanged:
		title = "[프로젝트 상태 변경]"
		lines = []string{
			field("프로젝트명", p.Name),
			"상태: " + clean(StatusLabel(p.PrevStatus)) + " → " + clean(StatusLabel(p.Status)),
			field("변경자", p.ChangedBy),
		}
		act = c.action("프로젝트 보기", "/projects/", p.ID)

	case SampleCreated:
		title = "[새 샘플 등록]"
		lines = []string{field("샘플명", p.Name)}
		switch {
		case strings.TrimSpace(p.Project) != "":
			lines = append(lines, field("프로젝트", p.Project))
		default:
			lines = append(lines, field("브랜드", p.Brand))
		}
		round := "-"
		if p.Round > 0 {
			round = strconv.Itoa(p.Round) + "차"
		}
		lines = append(lines, "차수: "+round)
		act = c.action("샘플 보기", "/samples/", p.ID)

	case UrgentProject:
		title = "[긴급 프로젝트]"
		lines = []string{
			field("프로젝트명", p.Name),
			field("사유", p.Reason),
		}
		if strings.TrimSpace(p.DueDate) != "" {
			lines = append(lines, field("마감일", formatDate(p.DueDate)))
		}
		act = c.action("프로젝트 보기", "/projects/", p.ID)

	default:
		return Message{Event: t, Text: GenericText}
	}

	var b strings.Builder
	b.WriteString(title)
	for _, ln := range lines {
		b.WriteByte('\n')
		b.WriteString(ln)
	}
	return Message{Event: t, Text: b.String(), Action: act}
}

func (c Composer) action(label, prefix, id string) *Action {
	id = strings.TrimSpace(sanitize(id))
	if id == "" {
		return nil
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return &Action{Label: label, URI: base + prefix + url.PathEscape(id)}
}

func field(label, value string) string {
	return label + ": " + clean(value)
}

func isAbsolute(uri string) bool {
	return strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://")
}
