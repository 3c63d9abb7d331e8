package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"worksnotify/internal/compose"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"

	TableProjects = "projects"
	TableSamples  = "samples"

	StatusCompleted = "completed"
)

// ChangeEvent is a database change webhook. The table name may sit on the
// envelope (database webhook format) or inside the record.
type ChangeEvent struct {
	Type      string `json:"type"`
	Table     string `json:"table,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Record    Record `json:"record"`
	OldRecord Record `json:"old_record,omitempty"`
}

// Decode parses a change event, keeping numbers exact.
func Decode(r io.Reader) (ChangeEvent, error) {
	var ev ChangeEvent
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ChangeEvent{}, err
	}
	if dec.More() {
		return ChangeEvent{}, fmt.Errorf("trailing data after change event")
	}
	return ev, nil
}

// TableName prefers the envelope table over record.table.
func (e ChangeEvent) TableName() string {
	if t := strings.TrimSpace(e.Table); t != "" {
		return strings.ToLower(t)
	}
	return strings.ToLower(e.Record.Str("table"))
}

func (e ChangeEvent) Op() string { return strings.ToUpper(strings.TrimSpace(e.Type)) }

// Classify maps a change event onto a notification type. ok is false when
// the event is not notifiable.
func Classify(e ChangeEvent) (compose.EventType, bool) {
	switch e.TableName() {
	case TableProjects:
		switch e.Op() {
		case OpInsert:
			return compose.ProjectCreated, true
		case OpUpdate:
			cur := e.Record.Str("status")
			prev := e.OldRecord.Str("status")
			if cur == prev {
				return "", false
			}
			if cur == StatusCompleted {
				return compose.ProjectCompleted, true
			}
			return compose.ProjectStatusChanged, true
		}
	case TableSamples:
		if e.Op() == OpInsert {
			return compose.SampleCreated, true
		}
	}
	return "", false
}

// Record is one row image from the change feed.
type Record map[string]any

// Str renders a scalar field as text. Missing and null fields are "".
func (r Record) Str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(bytes.TrimSpace(b))
	}
}

// First returns the first non-empty field among keys.
func (r Record) First(keys ...string) string {
	for _, k := range keys {
		if s := r.Str(k); s != "" {
			return s
		}
	}
	return ""
}

func (r Record) Int(key string) int {
	n, err := strconv.Atoi(r.Str(key))
	if err != nil {
		return 0
	}
	return n
}

// List reads a string array or a comma separated string.
func (r Record) List(key string) []string {
	v, ok := r[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []any:
		for _, it := range t {
			if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

// BuildPayload extracts the template fields for t from the event rows.
func BuildPayload(t compose.EventType, e ChangeEvent) compose.Payload {
	rec := e.Record
	p := compose.Payload{
		ID:       rec.Str("id"),
		Name:     rec.First("name", "title"),
		Manager:  rec.First("manager", "manager_name"),
		DueDate:  rec.First("due_date", "deadline"),
		Priority: rec.Str("priority"),
	}
	switch t {
	case compose.ProjectCompleted:
		p.CompletedDate = rec.First("completed_at", "completed_date", "updated_at")
	case compose.ProjectStatusChanged:
		p.PrevStatus = e.OldRecord.Str("status")
		p.Status = rec.Str("status")
		p.ChangedBy = rec.First("updated_by", "changed_by", "manager")
	case compose.SampleCreated:
		p.Project = rec.First("project_name", "project")
		p.Brand = rec.First("brand", "brand_name")
		p.Round = rec.Int("round")
		if p.Round == 0 {
			p.Round = rec.Int("round_number")
		}
	case compose.UrgentProject:
		p.Reason = rec.Str("reason")
	}
	return p
}

// DedupKey identifies a change for replay suppression.
func DedupKey(t compose.EventType, e ChangeEvent) string {
	return strings.Join([]string{
		e.TableName(),
		e.Op(),
		e.Record.Str("id"),
		string(t),
		e.OldRecord.Str("status"),
		e.Record.Str("status"),
	}, "|")
}
